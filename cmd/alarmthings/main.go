package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/iem-alarm/alarmthings/internal/config"
	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/hw/camera"
	"github.com/iem-alarm/alarmthings/internal/hw/gpio"
	"github.com/iem-alarm/alarmthings/internal/store"
	"github.com/iem-alarm/alarmthings/internal/web"
)

const defaultWebPort = 8080

func main() {
	webPort := &webPortFlag{defaultPort: defaultWebPort}
	flag.Var(webPort, "web", "start the web page on port; --web for default 8080, --web=8980 for a custom port")
	flag.Lookup("web").NoOptDefVal = strconv.Itoa(defaultWebPort)
	cfgPath := flag.String("config", "", "path to a config file under configs/ (default: built-in settings)")
	listCameras := flag.Bool("list-cameras", false, "print the cameras the configured backend sees and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if webPort.port() > 0 {
		cfg.Web.Port = webPort.port()
	}

	debug.Init(cfg.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", describePath(*cfgPath))
	debug.Value("Debug level", cfg.DebugLevel)
	debug.PrintStruct("GPIO config", cfg.GPIO)
	debug.PrintStruct("Camera config", cfg.Camera)
	debug.PrintStruct("Store config", cfg.Store)

	cameras, err := camera.NewManager(cfg.Camera.Backend, cfg.Camera.Quality)
	if err != nil {
		log.Fatalf("init camera backend failed: %v", err)
	}
	if *listCameras {
		if err := printCameras(os.Stdout, cameras); err != nil {
			log.Fatalf("list cameras failed: %v", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, cameras); err != nil {
		log.Fatalf("%v", err)
	}
}

// run starts the appliance and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, cameras camera.Manager) error {
	driver, err := gpio.NewDriver(cfg.GPIO.Driver)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			debug.Errorf("closing GPIO driver failed: %v", err)
		}
	}()

	st, err := store.New(cfg.Store.Backend, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("init store failed: %w", err)
	}

	app := newAppliance(cfg, driver, cameras, st)

	var srv *web.Server
	if cfg.Web.Port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		srv, err = web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, app, cfg.CaptureInterval())
		if err != nil {
			st.Close()
			return fmt.Errorf("init web server failed: %w", err)
		}
		app.SetDisplay(srv.Handlers())
	}

	debug.Section("Starting")
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer app.Stop()

	if srv != nil {
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}
	<-ctx.Done()
	debug.Info("Shutting down")
	return nil
}

// loadConfig reads path, or returns the built-in defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func describePath(path string) string {
	if path == "" {
		return "(built-in defaults)"
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// printCameras writes one device id per line.
func printCameras(w io.Writer, m camera.Manager) error {
	ids, err := m.DeviceIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "no cameras found")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web or
// --web= → default port, --web=8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
