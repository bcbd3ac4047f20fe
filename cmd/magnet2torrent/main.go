// Command magnet2torrent resolves a magnet link to a .torrent file by
// racing trackers, the DHT, and peer-wire ut_metadata exchanges, and
// writes the result to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"magnet2torrent/dht"
	"magnet2torrent/metainfo"
	"magnet2torrent/resolve"
)

func usage() {
	fmt.Printf(`%s [options] <magnet-link>

    magnet-link        Magnet link (starting with magnet:)

    -o output-dir      Optional: directory the resolved .torrent is written
                       to. Defaults to the current directory.
    -cache path        Optional: path to an on-disk metadata cache
                       (pogreb store). If unset, no cache is used.
    -workers n         Concurrent peer-wire fetch attempts (default %d).
    -no-dht            Disable the Kademlia DHT as a peer source.
    -timeout duration  Overall resolution timeout (default 2m).
    -v                 Verbose (debug-level) logging.
`, os.Args[0], resolve.DefaultWorkers)
	os.Exit(2)
}

func main() {
	var outDir, cachePath string
	var workers int
	var noDHT, verbose bool
	var timeout time.Duration

	flag.Usage = usage
	flag.StringVar(&outDir, "o", "", "")
	flag.StringVar(&cachePath, "cache", "", "")
	flag.IntVar(&workers, "workers", resolve.DefaultWorkers, "")
	flag.BoolVar(&noDHT, "no-dht", false, "")
	flag.BoolVar(&verbose, "v", false, "")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "")
	flag.Parse()

	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() != 1 {
		usage()
	}
	magnetURI := flag.Arg(0)

	if outDir == "" {
		var err error
		outDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "magnet2torrent:", err)
			os.Exit(1)
		}
	}

	if err := run(magnetURI, outDir, cachePath, workers, noDHT, timeout); err != nil {
		fmt.Fprintln(os.Stderr, "magnet2torrent:", err)
		os.Exit(1)
	}
}

func run(magnetURI, outDir, cachePath string, workers int, noDHT bool, timeout time.Duration) error {
	m, err := metainfo.ParseMagnet(magnetURI)
	if err != nil {
		return fmt.Errorf("parse magnet: %w", err)
	}

	cache, err := openCache(cachePath)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	var node *dht.DHT
	if !noDHT {
		node, err = dht.New()
		if err != nil {
			return fmt.Errorf("start dht: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("start dht: %w", err)
		}
		defer node.Stop()
	}

	r := resolve.New(node, cache, 0)
	if workers > 0 {
		r.Workers = workers
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := r.Retrieve(ctx, m)
	if err != nil {
		return err
	}

	outPath := filepath.Join(outDir, result.Filename)
	if err := os.WriteFile(outPath, result.Bytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Println(outPath)
	return nil
}

func openCache(path string) (metainfo.Cache, error) {
	if path == "" {
		return nil, nil
	}
	c, err := metainfo.OpenDiskCache(path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return c, nil
}
