package service

import "fmt"

// Platform notification names accepted by Notify.
const (
	NotifyViewInput        = "view_input"
	NotifyWebPageLoadStart = "web_page_load_start"
	NotifyWebPageLoadEnd   = "web_page_load_end"
	NotifyActivityLaunch   = "activity_launch"
	NotifyActivityPause    = "activity_pause"
	NotifyViewShortClick   = "view_short_click"
	NotifyViewLongClick    = "view_long_click"
)

// NotificationNames lists every name Notify accepts.
var NotificationNames = []string{
	NotifyViewInput,
	NotifyWebPageLoadStart,
	NotifyWebPageLoadEnd,
	NotifyActivityLaunch,
	NotifyActivityPause,
	NotifyViewShortClick,
	NotifyViewLongClick,
}

// PlatformNotification is one platform callback delivered over HTTP or MCP.
type PlatformNotification struct {
	Event          string `json:"event"`
	StartMS        int64  `json:"start_ms,omitempty"`
	URL            string `json:"url,omitempty"`
	ResponseTimeUS int64  `json:"response_time_us,omitempty"`
	ComponentName  string `json:"component_name,omitempty"`
}

// ErrUnknownNotification is returned by Notify for an unknown event name.
var ErrUnknownNotification = fmt.Errorf("%w: unknown platform notification", ErrBadMessage)

// Notify pushes n into the hub. It never blocks beyond the owning queue's
// lock; pushes while the hub is disabled are dropped there.
func (s *Service) Notify(n PlatformNotification) error {
	switch n.Event {
	case NotifyViewInput:
		s.hub.OnViewInputEvent(n.StartMS)
	case NotifyWebPageLoadStart, NotifyWebPageLoadEnd:
		if n.URL == "" {
			return fmt.Errorf("%w: %s requires url", ErrBadMessage, n.Event)
		}
		if n.Event == NotifyWebPageLoadStart {
			s.hub.OnWebPageLoadStart(n.URL)
		} else {
			s.hub.OnWebPageLoadEnd(n.URL)
		}
	case NotifyActivityLaunch:
		if n.ResponseTimeUS < 0 {
			return fmt.Errorf("%w: response_time_us must not be negative", ErrBadMessage)
		}
		s.hub.OnActivityLaunch(n.ResponseTimeUS, n.ComponentName)
	case NotifyActivityPause:
		s.hub.OnActivityPause()
	case NotifyViewShortClick:
		s.hub.OnViewShortClick()
	case NotifyViewLongClick:
		s.hub.OnViewLongClick()
	default:
		return fmt.Errorf("%w %q", ErrUnknownNotification, n.Event)
	}
	return nil
}
