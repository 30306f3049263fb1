package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"murmur/capture"
	"murmur/config"
	"murmur/deliver"
	"murmur/doctor"
	"murmur/hotkey"
	"murmur/log"
	"murmur/model"
	"murmur/shutdown"
	"murmur/transcriber"
)

var version = "dev"

const configPollInterval = 2 * time.Second

var shutdownOnce sync.Once

func gracefulShutdown(app *App) {
	shutdownOnce.Do(func() {
		if app != nil {
			<-app.Stop()
			if n := app.Transcriptions(); n > 0 {
				log.SessionEnd(n)
			}
		}
		log.Close()
		os.Exit(0)
	})
}

// consoleUI is the headless front end: status on one rewritten terminal
// line, notifications through the desktop notifier, a coarse level meter.
type consoleUI struct {
	mu        sync.Mutex
	lastLevel time.Time
	recording bool
}

func (c *consoleUI) SetRecording(active bool) {
	c.mu.Lock()
	c.recording = active
	c.mu.Unlock()
}

func (c *consoleUI) Status(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("\r\033[K%s", text)
	if !c.recording {
		fmt.Println()
	}
}

func (c *consoleUI) Notify(title, body string) {
	if err := deliver.Notify(title, body); err != nil {
		log.Warnf("notification: %v", err)
	}
}

func (c *consoleUI) Level(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording || time.Since(c.lastLevel) < 100*time.Millisecond {
		return
	}
	c.lastLevel = time.Now()
	bars := int(v * 40)
	if bars > 20 {
		bars = 20
	}
	fmt.Printf("\r\033[KRecording %-20s", meterBar(bars))
}

func meterBar(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '|'
	}
	return string(b)
}

func main() {
	configFlag := flag.String("config", "", "config file path (default: murmur.yaml beside the executable)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	modelFlag := flag.String("model", "", "Set the transcription model (persisted)")
	langFlag := flag.String("lang", "", "Set the language hint, e.g. en, de, auto (persisted)")
	backendFlag := flag.String("backend", "", "Set the whisper backend: local or api (persisted)")
	modelsFlag := flag.Bool("models", false, "List known models and exit")
	clipFlag := flag.String("clip", "", "Transcribe a WAV file and print the result")
	pingFlag := flag.Bool("ping", false, "Check the transcription server and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	longPressFlag := flag.Duration("longpress", 350*time.Millisecond, "Long-press threshold for hold-to-talk vs tap-to-toggle")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		os.Exit(0)
	}
	if *modelsFlag {
		for _, name := range model.Names() {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	// Native crashes from drivers or the hotkey layer land here.
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	store, err := config.Open(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := applyOverrides(store, *modelFlag, *langFlag, *backendFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Snapshot()

	if *pingFlag {
		ok, msg := transcriber.Ping(cfg.APIURL)
		fmt.Println(msg)
		if !ok {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	} else {
		log.SessionStart(cfg.Model, cfg.WhisperBackend)
	}

	local := transcriber.NewLocal(store, os.Getenv("MURMUR_PYTHON"), cfg.PortableModels)

	if *doctorFlag {
		code := doctor.Run(doctor.Deps{
			Settings: cfg,
			Local:    local,
		})
		log.Close()
		os.Exit(code)
	}

	if *clipFlag != "" {
		wav, err := os.ReadFile(*clipFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		app := NewApp(nil, store, local, nil)
		text, err := app.TranscribeWAV(context.Background(), wav)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(text)
		log.Close()
		os.Exit(0)
	}

	capctx, err := capture.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer capctx.Close()

	ui := &consoleUI{}
	app := NewApp(capctx, store, local, ui)

	var selectedDevice *capture.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := capctx.Devices(capture.SourceMicrophone); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
		if selectedDevice == nil {
			fmt.Printf("Warning: device %q not found, using system default\n", *deviceFlag)
		}
	} else if *setupFlag {
		selectedDevice, err = capture.SelectDevice(capctx, capture.SourceMicrophone)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	}
	app.SetMicDevice(selectedDevice)

	micHK := hotkey.New(hotkey.BindingMicrophone)
	if err := micHK.Register(); err != nil {
		log.Errorf("hotkey registration: %v", err)
		fmt.Fprintf(os.Stderr, "Error registering hotkey: %v\n", err)
		os.Exit(1)
	}
	defer micHK.Unregister()
	micHy := hotkey.NewHybrid(micHK, *longPressFlag)

	var sysHy *hotkey.Hybrid
	sysHK := hotkey.New(hotkey.BindingSystemAudio)
	if err := sysHK.Register(); err != nil {
		log.Warnf("system-audio hotkey registration: %v", err)
		fmt.Printf("Warning: system-audio hotkey unavailable: %v\n", err)
	} else {
		defer sysHK.Unregister()
		sysHy = hotkey.NewHybrid(sysHK, *longPressFlag)
	}

	fmt.Printf("murmur %s — model %s, backend %s\n", version, cfg.Model, cfg.WhisperBackend)
	fmt.Printf("Hold or tap %s to dictate", hotkey.BindingMicrophone)
	if sysHy != nil {
		fmt.Printf(", %s for system audio", hotkey.BindingSystemAudio)
	}
	fmt.Println(". Ctrl+C to quit.")

	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)

	reloadTick := time.NewTicker(configPollInterval)
	defer reloadTick.Stop()

	sysStart, sysStop := nilHybridChans(sysHy)

	for {
		select {
		case <-micHy.Start():
			if err := app.Start(capture.SourceMicrophone, micHy.IsToggle); err != nil {
				log.Warnf("start: %v", err)
			}
		case <-micHy.StopChan():
			app.Stop()
		case <-sysStart:
			if err := app.Start(capture.SourceLoopback, sysHy.IsToggle); err != nil {
				log.Warnf("start: %v", err)
			}
		case <-sysStop:
			app.Stop()
		case <-reloadTick.C:
			old, cur, changed, err := store.Reload()
			if err != nil {
				log.Warnf("config reload: %v", err)
				continue
			}
			if changed {
				log.Info("config file changed, settings reloaded")
				app.SettingsChanged(old, cur)
			}
		case <-sig:
			fmt.Println()
			gracefulShutdown(app)
			return
		}
	}
}

func nilHybridChans(h *hotkey.Hybrid) (<-chan struct{}, <-chan struct{}) {
	if h == nil {
		return nil, nil
	}
	return h.Start(), h.StopChan()
}

// applyOverrides persists flag-provided settings before the session starts.
func applyOverrides(store *config.Store, modelName, lang, backend string) error {
	if modelName == "" && lang == "" && backend == "" {
		return nil
	}
	if modelName != "" {
		if _, err := model.Resolve(modelName); err != nil {
			return err
		}
	}
	if backend != "" && backend != "local" && backend != "api" {
		return fmt.Errorf("unknown backend %q (use local or api)", backend)
	}
	return store.Update(func(s *config.Settings) {
		if modelName != "" {
			s.Model = modelName
		}
		if lang != "" {
			s.Language = lang
		}
		if backend != "" {
			s.WhisperBackend = backend
		}
	})
}
