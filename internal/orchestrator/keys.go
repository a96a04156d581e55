package orchestrator

import (
	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/cache"
	"github.com/sells-group/callpipe/internal/model"
)

// keyMaterial is everything a step's output can depend on.
type keyMaterial struct {
	Version  string                    `json:"version"`
	Tag      string                    `json:"tag"`
	Input    model.Input               `json:"input"`
	Upstream map[string]map[string]any `json:"upstream,omitempty"`
}

// cacheKey keys a step on the run input plus the outputs of every earlier
// step it declares as a dependency or read.
func cacheKey(rc *model.RequestContext, d agent.Descriptor) (string, error) {
	km := keyMaterial{Version: d.Version, Tag: rc.Tag, Input: rc.Input}
	for _, name := range d.Inputs() {
		out, ok := rc.Output(name)
		if !ok {
			continue
		}
		if km.Upstream == nil {
			km.Upstream = make(map[string]map[string]any)
		}
		km.Upstream[name] = out.Fields
	}
	return cache.Key(d.Name, km)
}
