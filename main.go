package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strconv"
	"sync"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	flags "github.com/jessevdk/go-flags"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"turboget/engine"
)

var opts struct {
	Output     string   `short:"o" long:"output" description:"Destination file. Defaults to the URL's filename."`
	Workers    int      `short:"w" long:"download-workers" default:"8" description:"How many parallel workers to download the file"`
	Limit      float64  `long:"limit" description:"Byte-rate cap in KiB/s (0 = unlimited)"`
	Mirrors    []string `short:"m" long:"mirror" description:"Alternative URL serving the byte-identical resource (repeatable)"`
	RetryCount uint     `long:"retry-count" default:"5" description:"Max number of attempts for a single chunk"`
	RetryWait  int      `long:"retry-wait" default:"1" description:"Base number of seconds to wait in between retries"`
	Quiet      bool     `short:"q" long:"quiet" description:"Suppress the progress bar"`
	Verbose    bool     `short:"v" long:"verbose" description:"Debug logging"`
	Args       struct {
		URL string `positional-arg-name:"url" description:"URL to download from"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(int(unix.EINVAL))
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	output := opts.Output
	if output == "" {
		output = defaultFilename(opts.Args.URL)
	}

	eng, err := engine.New(opts.Args.URL, output, opts.Workers)
	if err != nil {
		logrus.Error(err)
		os.Exit(int(unix.EINVAL))
	}
	eng.Mirrors = opts.Mirrors
	eng.MaxRetries = opts.RetryCount
	eng.RetryDelay = time.Duration(opts.RetryWait) * time.Second
	if opts.Limit > 0 {
		eng.SetSpeedLimit(opts.Limit)
	}

	fmt.Fprintln(os.Stderr, "File name: "+path.Base(output))
	fmt.Fprintln(os.Stderr, "Num Download Workers: "+strconv.Itoa(opts.Workers))
	if opts.Limit > 0 {
		fmt.Fprintln(os.Stderr, "Rate Cap (KiB/s): "+strconv.FormatFloat(opts.Limit, 'f', -1, 64))
	}

	wireCallbacks(eng)

	// First Ctrl-C stops cooperatively so the sidecar survives for a
	// later resume; the second one bails out.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		eng.Stop()
		<-sigs
		os.Exit(int(unix.EINTR))
	}()

	if err := eng.Download(context.Background()); err != nil {
		logrus.Error(err)
		os.Exit(int(unix.EIO))
	}
}

// wireCallbacks bridges the engine's slots to the terminal. Callbacks must
// not block, so each one does only a bar update or a log line inline.
func wireCallbacks(eng *engine.Engine) {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	if !opts.Quiet {
		eng.OnProgress = func(downloaded, total int64) {
			mu.Lock()
			defer mu.Unlock()
			if bar == nil {
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetDescription("Downloading"),
					progressbar.OptionShowBytes(true),
					progressbar.OptionSetWidth(40),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionSetWriter(os.Stderr),
				)
			}
			bar.Set64(downloaded)
		}
	}
	eng.OnStatus = func(msg string) {
		logrus.Info(msg)
	}
	eng.OnSpeed = func(instant, avg float64) {
		logrus.Debugf("Speed: %s/s (avg %s/s)",
			units.BytesSize(instant), units.BytesSize(avg))
	}
}

// defaultFilename extracts a name from the URL path, falling back to
// download.dat for pathless URLs.
func defaultFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download.dat"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download.dat"
	}
	return name
}
