package main

import (
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/HiRadical/delay"
)

// Serves an HTTP endpoint and decodes the inter-arrival timing of each
// client's requests into bits: requests spaced further apart than the
// threshold decode to 1, closer together to 0. A client "sends" a word
// by pacing its requests; a pause past the idle timeout ends the word,
// which gets logged.
func main() {
	listenAddr := pflag.String("listen", ":8008", "address to serve on")
	timeout := pflag.Duration("timeout", 3*time.Second, "idle timeout that closes a decoding window")
	threshold := pflag.Duration("threshold", time.Second, "inter-request delay decoding to a 1")
	pflag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	store, stream := delay.NewSessionStore[string](
		*timeout,
		delay.WithLogger(logger),
	)
	defer store.Close()

	go func() {
		for result := range stream.Results() {
			logger.Info().
				Str("client", result.Key).
				Str("word", bitString(result.Bits)).
				Msg("decoded window")
		}
	}()

	factory := func() delay.Decoder { return delay.NewThresholdDecoder(*threshold) }

	e := echo.New()
	e.HideBanner = true
	e.GET("/", func(c echo.Context) error {
		requestID := uuid.NewString()

		// requests are deduplicated into channels by source IP
		if err := store.PushSignal(c.Request().Context(), c.RealIP(), time.Now(), factory); err != nil {
			// raced a just-closed window; the next request reopens one
			logger.Warn().Err(err).Str("request_id", requestID).Msg("signal dropped")
		}

		return c.JSON(http.StatusOK, map[string]string{"request_id": requestID})
	})

	logger.Info().
		Str("listen", *listenAddr).
		Dur("timeout", *timeout).
		Dur("threshold", *threshold).
		Msg("decoding request timing per client IP")

	if err := e.Start(*listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func bitString(bits []bool) string {
	word := make([]byte, len(bits))
	for i, bit := range bits {
		if bit {
			word[i] = '1'
		} else {
			word[i] = '0'
		}
	}
	return string(word)
}
