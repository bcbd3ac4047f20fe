// Command magnet2torrentd exposes magnet resolution over HTTP:
// GET /resolve?magnet=... streams back the assembled .torrent file.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"magnet2torrent/dht"
	"magnet2torrent/metainfo"
	"magnet2torrent/resolve"
)

func main() {
	var addr, cachePath string
	var workers int
	var noDHT, verbose bool
	var timeout time.Duration

	flag.StringVar(&addr, "addr", ":8080", "address to listen on")
	flag.StringVar(&cachePath, "cache", "", "path to an on-disk metadata cache")
	flag.IntVar(&workers, "workers", resolve.DefaultWorkers, "concurrent peer-wire fetch attempts")
	flag.BoolVar(&noDHT, "no-dht", false, "disable the DHT as a peer source")
	flag.BoolVar(&verbose, "v", false, "verbose (debug-level) logging")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "per-request resolution timeout")
	flag.Parse()

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var cache metainfo.Cache
	if cachePath != "" {
		c, err := metainfo.OpenDiskCache(cachePath)
		if err != nil {
			logrus.Fatalf("open cache: %v", err)
		}
		defer c.Close()
		cache = c
	}

	var node *dht.DHT
	if !noDHT {
		var err error
		node, err = dht.New()
		if err != nil {
			logrus.Fatalf("create dht node: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := node.Start(ctx); err != nil {
			logrus.Fatalf("start dht: %v", err)
		}
		defer node.Stop()
	}

	r := resolve.New(node, cache, 0)
	if workers > 0 {
		r.Workers = workers
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(requestIDMiddleware)
	e.GET("/resolve", resolveHandler(r, timeout))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	logrus.Infof("magnet2torrentd listening on %s", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Fatalf("serve: %v", err)
	}
}

// requestIDMiddleware tags every request with a UUID, which the
// handler's own log lines carry. resolve.Retrieve stamps its log lines
// with a separate ID of its own, and tracker, DHT and peer-wire log
// lines carry neither.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set("request_id", uuid.NewString())
		return next(c)
	}
}

func resolveHandler(r *resolve.Resolver, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		magnetURI := c.QueryParam("magnet")
		if magnetURI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing \"magnet\" query parameter")
		}

		m, err := metainfo.ParseMagnet(magnetURI)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		log := logrus.WithField("request_id", c.Get("request_id")).WithField("info_hash", m.InfoHashHex())
		log.Debug("resolving magnet")

		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		result, err := r.Retrieve(ctx, m)
		if err != nil {
			if errors.Is(err, resolve.ErrFailedToFetch) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=\""+result.Filename+"\"")
		return c.Blob(http.StatusOK, "application/x-bittorrent", result.Bytes)
	}
}
