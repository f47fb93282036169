// Package platforms lists the streaming backends compiled into the binary.
package platforms

import (
	"github.com/bryanchriswhite/streammanager/internal/platforms/facebook"
	"github.com/bryanchriswhite/streammanager/internal/platforms/twitch"
	"github.com/bryanchriswhite/streammanager/internal/platforms/youtube"
	"github.com/bryanchriswhite/streammanager/internal/service"
)

// Registry returns every known backend keyed by display name.
func Registry() service.Registry {
	return service.Registry{
		twitch.Name:   twitch.Plugin(),
		youtube.Name:  youtube.Plugin(),
		facebook.Name: facebook.Plugin(),
	}
}
