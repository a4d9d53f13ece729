package gate

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// Controller holds the master allow_self_modification toggle. It is
// self-healing: a missing control file is recreated with modification
// explicitly enabled, while an unreadable or corrupt file fails safe to
// disabled.
type Controller struct {
	path   string
	logger *slog.Logger
}

type controlFile struct {
	AllowSelfModification bool `json:"allow_self_modification"`
}

// NewController creates the toggle controller backed by the file at path.
func NewController(path string, logger *slog.Logger) *Controller {
	return &Controller{
		path:   path,
		logger: logger.With("component", "gate-control"),
	}
}

// Allowed reads the toggle fresh from disk so an operator can flip it
// between runs without a restart.
func (c *Controller) Allowed() bool {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.logger.Warn("control file missing, creating default with self-modification enabled", "path", c.path)
		if werr := c.writeDefault(); werr != nil {
			c.logger.Error("cannot create control file, failing safe to disabled", "error", werr)
			return false
		}
		return true
	}
	if err != nil {
		c.logger.Error("cannot read control file, failing safe to disabled", "error", err)
		return false
	}

	var cf controlFile
	if err := json.Unmarshal(data, &cf); err != nil {
		c.logger.Error("corrupt control file, failing safe to disabled", "path", c.path, "error", err)
		return false
	}
	return cf.AllowSelfModification
}

func (c *Controller) writeDefault() error {
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(controlFile{AllowSelfModification: true}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0640)
}
