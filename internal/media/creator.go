package media

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// Creator builds a fresh media element for a resolved URL. The playback
// controller and preloader both create elements through the same Creator so
// cache hits are interchangeable regardless of who warmed them.
type Creator func(url string, durationHint float64) Handle

// NewCreator returns a Creator producing elements that fetch through the
// given HTTP client with the given bearer credential.
func NewCreator(client *http.Client, token string, logger *logrus.Logger, tunables Tunables) Creator {
	return func(url string, durationHint float64) Handle {
		return NewElement(url, token, durationHint, client, logger, tunables)
	}
}
