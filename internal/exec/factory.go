package exec

import (
	"github.com/agriscope/gleaner/internal/config"
)

// RealFactory produces tool wrappers that shell out to the configured
// binaries.
type RealFactory struct {
	tools config.ToolsConfig
}

var _ Factory = (*RealFactory)(nil)

// NewRealFactory creates a factory for the configured tool binaries.
func NewRealFactory(tools config.ToolsConfig) *RealFactory {
	return &RealFactory{tools: tools}
}

func (f *RealFactory) GDAL() GDAL     { return newGDAL(f.tools) }
func (f *RealFactory) ODM() ODM       { return newODM(f.tools.ODM, f.tools.KillTimeout) }
func (f *RealFactory) Script() Script { return newScript(f.tools.KillTimeout) }

// NewFactory selects stub tools in virtual mode and real binaries otherwise.
func NewFactory(cfg *config.AppConfig) Factory {
	if cfg.Virtual {
		return NewStubFactory()
	}
	return NewRealFactory(cfg.Tools)
}
