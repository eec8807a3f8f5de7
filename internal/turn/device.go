package turn

import (
	"strings"
	"time"
)

// DeviceClass selects the turn-taking timings.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Mobile  DeviceClass = "mobile"
)

// mobileMarkers are User-Agent substrings identifying phones and tablets.
var mobileMarkers = []string{"Mobi", "Android", "iPhone", "iPad"}

// DetectDevice returns the device class from an explicit hint ("mobile" or
// "desktop") or, when the hint is empty or unknown, from the User-Agent.
func DetectDevice(hint, userAgent string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(hint))) {
	case Mobile:
		return Mobile
	case Desktop:
		return Desktop
	}
	for _, m := range mobileMarkers {
		if strings.Contains(userAgent, m) {
			return Mobile
		}
	}
	return Desktop
}

// Timing holds the tuned delays of one device class.
type Timing struct {
	// Silence finalises an utterance after this long without a new result.
	Silence time.Duration

	// Restart delays the automatic capture restart in continuous mode.
	Restart time.Duration

	// Retry delays the single retry after a failed restart.
	Retry time.Duration
}

// Timings holds the timing per device class.
type Timings struct {
	Desktop Timing
	Mobile  Timing
}

// DefaultTimings are the empirically tuned defaults. Mobile recognisers end
// sessions more eagerly, so mobile waits less everywhere.
var DefaultTimings = Timings{
	Desktop: Timing{Silence: 1500 * time.Millisecond, Restart: 300 * time.Millisecond, Retry: 1000 * time.Millisecond},
	Mobile:  Timing{Silence: 1000 * time.Millisecond, Restart: 150 * time.Millisecond, Retry: 600 * time.Millisecond},
}

// For returns the timing of device class d.
func (t Timings) For(d DeviceClass) Timing {
	if d == Mobile {
		return t.Mobile
	}
	return t.Desktop
}
