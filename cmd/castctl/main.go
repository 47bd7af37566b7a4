package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/castsession"
	"go2tv.app/castsession/devices"
	"go2tv.app/castsession/httphandlers"
	"go2tv.app/castsession/internal/config"
	"go2tv.app/castsession/internal/logging"
)

var (
	version     string
	build       string
	appPtr      = flag.String("a", "", "Receiver application ID. Defaults to the stored one or the Default Media Receiver.")
	listPtr     = flag.Bool("l", false, "List all available Cast devices.")
	targetPtr   = flag.String("t", "", "Cast to a specific device, by number (see -l), ID or address.")
	urlPtr      = flag.String("u", "", "Media URL to load on the receiver.")
	titlePtr    = flag.String("title", "", "Media title.")
	subtitlePtr = flag.String("subtitle", "", "Media subtitle.")
	imagePtr    = flag.String("image", "", "Poster image URL.")
	ctPtr       = flag.String("ct", "", "Media content type, e.g. video/mp4.")
	endPtr      = flag.Bool("end", false, "End the current Cast session.")
	servePtr    = flag.String("serve", "", "Serve the HTTP bridge on this address, e.g. 127.0.0.1:8765.")
	configPtr   = flag.String("config", "", "Path to a YAML options file.")
	verbosePtr  = flag.Bool("v", false, "Verbose logging.")
	versionPtr  = flag.Bool("version", false, "Print version.")
)

func main() {
	flag.Parse()

	if *versionPtr {
		fmt.Printf("castctl version: %s, build: %s\n", version, build)
		os.Exit(0)
	}

	check(checkflags())

	logger := logging.New(os.Stderr, logging.DefaultConfig(*verbosePtr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	check(run(ctx, logger))
}

func run(ctx context.Context, logger zerolog.Logger) error {
	opts, err := config.Load(*configPtr)
	if err != nil {
		return errors.Wrap(err, "run error")
	}

	store, err := config.OpenFileStore("")
	if err != nil {
		return errors.Wrap(err, "run error")
	}

	browser := devices.NewBrowser(logger)
	sdk := castprotocol.NewChromecastSDK(browser, logger)
	defer sdk.Close()

	ctrl, err := castsession.New(sdk, store, opts, logger)
	if err != nil {
		return errors.Wrap(err, "run error")
	}
	defer ctrl.Close()

	appID := *appPtr
	if appID == "" {
		appID = ctrl.ReceiverApplicationID()
	}
	if err := outcomeErr(ctrl.Initialize(ctx, appID)); err != nil {
		return errors.Wrap(err, "initialize error")
	}

	if *servePtr != "" {
		return serve(ctx, ctrl, logger)
	}

	if *listPtr {
		return listFlagFunction(ctx, ctrl)
	}

	if *endPtr {
		return errors.Wrap(outcomeErr(ctrl.EndSession(ctx)), "end session error")
	}

	if !ctrl.IsSessionActive(ctx) {
		if !ctrl.AreDevicesAvailable(ctx) {
			return errors.Wrap(devices.ErrNoDeviceAvailable, "discovery error")
		}
		routeID, err := targetRoute(browser)
		if err != nil {
			return errors.Wrap(err, "target error")
		}
		if err := outcomeErr(ctrl.RequestSession(ctx, routeID)); err != nil {
			return errors.Wrap(err, "request session error")
		}
	}

	out := ctrl.LoadMedia(ctx, castsession.LoadRequest{
		URL:         *urlPtr,
		Title:       *titlePtr,
		Subtitle:    *subtitlePtr,
		ImageURL:    *imagePtr,
		ContentType: *ctPtr,
	})
	if err := outcomeErr(out); err != nil {
		return errors.Wrap(err, "load media error")
	}

	snap := ctrl.Session()
	fmt.Printf("Casting %s to %s\n", *urlPtr, snap.DeviceName)
	return nil
}

func serve(ctx context.Context, ctrl *castsession.Controller, logger zerolog.Logger) error {
	s := httphandlers.NewServer(*servePtr, ctrl, logger)
	serverStarted := make(chan error, 1)

	go s.StartServer(serverStarted)
	// Wait for HTTP server to properly initialize
	if err := <-serverStarted; err != nil {
		return errors.Wrap(err, "serve error")
	}

	<-ctx.Done()
	return s.StopServer(5 * time.Second)
}

// targetRoute resolves -t against the devices discovered so far. An empty
// result lets the controller pick the first device by name.
func targetRoute(browser *devices.Browser) (string, error) {
	if *targetPtr == "" {
		return "", nil
	}

	devs := browser.Devices()
	if n, err := strconv.Atoi(*targetPtr); err == nil {
		d, err := devices.DevicePicker(devs, n)
		if err != nil {
			return "", err
		}
		return d.ID, nil
	}

	d, err := devices.FindDevice(devs, *targetPtr)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func outcomeErr(out castsession.Outcome) error {
	if out.Success {
		return nil
	}
	if out.Err != nil {
		return out.Err
	}
	return errors.New(out.Error)
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func listFlagFunction(ctx context.Context, ctrl *castsession.Controller) error {
	if !ctrl.AreDevicesAvailable(ctx) {
		return devices.ErrNoDeviceAvailable
	}

	routes, out := ctrl.Devices(ctx)
	if err := outcomeErr(out); err != nil {
		return err
	}
	fmt.Println()

	boldStart := ""
	boldEnd := ""

	if runtime.GOOS == "linux" {
		boldStart = "\033[1m"
		boldEnd = "\033[0m"
	}

	for i, r := range routes {
		fmt.Printf("%sDevice %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s    %s\n", boldStart, boldEnd, r.Name)
		if r.Model != "" {
			fmt.Printf("%sModel:%s   %s\n", boldStart, boldEnd, r.Model)
		}
		fmt.Printf("%sAddress:%s %s\n", boldStart, boldEnd, r.Addr)
		fmt.Printf("%sID:%s      %s\n", boldStart, boldEnd, r.ID)
		fmt.Println()
	}

	return nil
}

func checkflags() error {
	modes := 0
	for _, set := range []bool{*listPtr, *endPtr, *servePtr != "", *urlPtr != ""} {
		if set {
			modes++
		}
	}

	switch {
	case modes == 0:
		return errors.New("checkflags error: one of -l, -end, -serve or -u is required")
	case modes > 1:
		return errors.New("checkflags error: -l, -end, -serve and -u can't be used together")
	case *targetPtr != "" && *urlPtr == "":
		return errors.New("checkflags error: -t requires -u")
	}

	return nil
}
