package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/prakashlab/picamera-mqtt/internal/deploy"
	"github.com/prakashlab/picamera-mqtt/internal/illumination"
	"github.com/prakashlab/picamera-mqtt/internal/imaging"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/protocol"
	"github.com/prakashlab/picamera-mqtt/internal/supervisor"
)

// slowCapture is the latency above which a capture is highlighted.
const slowCapture = 5 * time.Second

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "config file (default $PICAMERA_CONFIG or built-in defaults)")
	return fs, configPath
}

// runIlluminator drives an LED strip from the illumination topic.
func runIlluminator(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("illuminator")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	strip, err := illumination.NewStrip(a.cfg.Illumination)
	if err != nil {
		return err
	}
	session, err := a.newSession(illuminatorBindings())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	controller := illumination.NewController(strip, a.log)
	if err := controller.Attach(session); err != nil {
		return err
	}
	executor := deploy.NewExecutor(a.cfg.Deploy, a.runner, cancel, a.log)
	if err := executor.Attach(session); err != nil {
		return err
	}

	if err := controller.Start(a.cfg.Illumination.StartupMode); err != nil {
		return fmt.Errorf("starting %s mode: %w", a.cfg.Illumination.StartupMode, err)
	}
	a.log.Info("illuminator running", "leds", strip.Len(), "driver", a.cfg.Illumination.Driver)

	err = runSession(ctx, session)
	executor.Wait()
	return err
}

// runCamera answers acquire_image and set_params commands.
func runCamera(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("camera")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	camera, err := imaging.NewCamera(a.cfg.Camera, a.runner)
	if err != nil {
		return err
	}
	session, err := a.newSession(cameraBindings())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acquirer := imaging.NewAcquirer(camera, session, a.cfg.Client.Name, a.log)
	if err := acquirer.Attach(session); err != nil {
		return err
	}
	executor := deploy.NewExecutor(a.cfg.Deploy, a.runner, cancel, a.log)
	if err := executor.Attach(session); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := acquirer.Run(ctx); err != nil {
			a.log.Error("acquirer stopped", "error", err)
		}
	}()
	a.log.Info("camera running", "driver", a.cfg.Camera.Driver)

	err = runSession(ctx, session)
	cancel()
	wg.Wait()
	executor.Wait()
	return err
}

// runHost runs one timelapse or one-shot acquisition and exits when it
// completes.
func runHost(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("host")
	mode := fs.String("mode", "timelapse", "acquisition mode: timelapse or acquire")
	name := fs.String("name", "", "name prepended to saved capture identifiers")
	interval := fs.Duration("interval", 0, "timelapse interval (default host.interval)")
	count := fs.Int("count", 0, "images per target (default host.count)")
	wait := fs.Duration("wait", 0, "time to wait for the last captures")
	format := fs.String("format", imaging.DefaultFormat, "image format: jpeg or png")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := imaging.NewReceiver(a.cfg.Host.CaptureDir, a.log)
	receiver.SetPrefix(*name)
	receiver.OnSaved(func(rec imaging.CaptureRecord) { printSaved(stdout, rec) })
	if a.cfg.Database.Enabled {
		db, err := a.openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // closing on exit
		receiver.SetCatalog(imaging.NewSQLiteCatalog(db.DB))
	}

	session, err := a.newSession(hostBindings())
	if err != nil {
		return err
	}
	targets := session.Identity().Targets()

	requester := imaging.NewRequester(session, targets, a.log)
	if a.influx != nil {
		requester.SetMetrics(a.influx)
		receiver.SetMetrics(a.influx)
	}
	host := imaging.NewHost(requester, receiver, a.log)
	host.SetCameraParams(storedCameraParams(a.cfg.Host.CameraParams))
	if err := host.Attach(session); err != nil {
		return err
	}

	req := imaging.DefaultRequest()
	req.Format = *format

	var op *supervisor.Operation
	switch *mode {
	case "timelapse":
		tl := imaging.Timelapse{
			Requester: requester,
			Targets:   targets,
			Interval:  pickDuration(*interval, a.cfg.Host.Interval),
			Count:     pickInt(*count, a.cfg.Host.Count),
			FinalWait: pickDuration(*wait, a.cfg.Host.FinalWait),
			Request:   req,
		}
		op = tl.Operation()
	case "acquire":
		ao := imaging.AcquireOnce{
			Requester: requester,
			Targets:   targets,
			Wait:      pickDuration(*wait, imaging.DefaultAcquireOnceWait),
			Request:   req,
		}
		op = ao.Operation()
	default:
		return fmt.Errorf("unknown host mode %q", *mode)
	}

	result := host.RunOnConnect(session, op)
	var opErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case opErr = <-result:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.log.Info("host running", "mode", *mode, "targets", targets, "capture_dir", a.cfg.Host.CaptureDir)
	err = runSession(ctx, session)
	cancel()
	<-done

	if opErr != nil && !errors.Is(opErr, context.Canceled) {
		return fmt.Errorf("%s: %w", *mode, opErr)
	}
	return err
}

// storedCameraParams converts host.camera_params into set_params bodies.
func storedCameraParams(cfg map[string]config.CameraParamsConfig) map[string]protocol.CameraParams {
	out := make(map[string]protocol.CameraParams, len(cfg))
	for target, p := range cfg {
		out[target] = protocol.CameraParams{
			ROIZoom:          p.ROIZoom,
			ShutterSpeed:     p.ShutterSpeed,
			ISO:              p.ISO,
			ResolutionWidth:  p.ResolutionWidth,
			ResolutionHeight: p.ResolutionHeight,
			AWBGainRed:       p.AWBGainRed,
			AWBGainBlue:      p.AWBGainBlue,
		}
	}
	return out
}

// runSend publishes one command to a target and exits.
func runSend(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("send")
	target := fs.String("target", "", "client the command is addressed to (required)")
	linger := fs.Duration("linger", time.Second, "time to stay connected after publishing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" || fs.NArg() != 2 {
		return fmt.Errorf("%w: send -target name <illumination|control|deployment> <payload>", errUsage)
	}
	topic, payload := fs.Arg(0), []byte(fs.Arg(1))
	if err := checkPayload(topic, payload); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.newSession(senderBindings())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	var sendErr error
	session.OnConnect(func(bool) {
		once.Do(func() {
			sendErr = session.PublishTo(topic, *target, payload)
			if sendErr == nil {
				a.log.Info("command sent", "target", *target, "topic", topic, "payload", protocol.Preview(payload))
			}
			time.AfterFunc(*linger, cancel)
		})
	})

	if err := runSession(ctx, session); err != nil {
		return err
	}
	return sendErr
}

// checkPayload rejects commands the receiving device would drop.
func checkPayload(topic string, payload []byte) error {
	var err error
	switch topic {
	case protocol.TopicIllumination:
		_, err = protocol.DecodeIllumination(payload)
	case protocol.TopicControl:
		_, err = protocol.DecodeControl(payload)
	case protocol.TopicDeployment:
		_, err = protocol.ParseDeployAction(payload)
	default:
		return fmt.Errorf("%w: cannot send on topic %q", errUsage, topic)
	}
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", topic, err)
	}
	return nil
}

// runCaptures lists the capture catalog.
func runCaptures(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("captures")
	client := fs.String("client", "", "only list captures from this camera")
	limit := fs.Int("limit", 20, "maximum captures to list, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	db, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only use

	catalog := imaging.NewSQLiteCatalog(db.DB)
	records, err := catalog.List(ctx, imaging.ListOptions{ClientName: *client, Limit: *limit})
	if err != nil {
		return err
	}
	total, err := catalog.Count(ctx, *client)
	if err != nil {
		return err
	}

	printCaptures(stdout, records, total)
	return nil
}

// printCaptures renders records as a table. The header is bold and rows
// with a latency above slowCapture are yellow. Lines are coloured after
// tabwriter has aligned them.
func printCaptures(w io.Writer, records []imaging.CaptureRecord, total int) {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tCLIENT\tIMAGE\tFORMAT\tSIZE\tLATENCY\tPATH")
	for _, r := range records {
		latency := "-"
		if r.Latency > 0 {
			latency = r.Latency.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			r.ReceiveTime.Local().Format(time.DateTime),
			r.ClientName,
			r.ImageID,
			r.Format,
			r.SizeBytes,
			latency,
			r.ImagePath,
		)
	}
	tw.Flush() //nolint:errcheck // writes to a buffer

	header := color.New(color.Bold)
	slow := color.New(color.FgYellow)
	lines := strings.SplitAfter(buf.String(), "\n")
	for i, line := range lines {
		switch {
		case line == "":
		case i == 0:
			header.Fprint(w, line) //nolint:errcheck // terminal output
		case records[i-1].Latency > slowCapture:
			slow.Fprint(w, line) //nolint:errcheck // terminal output
		default:
			fmt.Fprint(w, line)
		}
	}
	fmt.Fprintf(w, "%d of %d captures\n", len(records), total)
}

// printSaved writes one line per saved capture as the host runs.
func printSaved(w io.Writer, rec imaging.CaptureRecord) {
	latency := "-"
	if rec.Latency > 0 {
		latency = rec.Latency.Round(time.Millisecond).String()
	}
	c := color.New(color.FgGreen)
	if rec.Latency > slowCapture {
		c = color.New(color.FgYellow)
	}
	c.Fprintf(w, "saved %s #%d", rec.ClientName, rec.ImageID) //nolint:errcheck // terminal output
	fmt.Fprintf(w, " %s %s\n", latency, rec.ImagePath)
}

func pickDuration(flagValue, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}

func pickInt(flagValue, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}
