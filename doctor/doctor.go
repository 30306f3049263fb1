// Package doctor runs interactive system diagnostics: hotkey detection,
// microphone capture, the transcription backend, and clipboard delivery.
package doctor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"murmur/capture"
	"murmur/config"
	"murmur/deliver"
	"murmur/hotkey"
	"murmur/model"
	"murmur/transcriber"
)

// Deps is what the checks need from the running program.
type Deps struct {
	Settings config.Settings
	Local    *transcriber.Local
}

// Run executes the diagnostic checks and returns an exit code (0=all pass,
// 1=any fail).
func Run(deps Deps) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("murmur doctor - interactive system diagnostics")
	fmt.Println("==============================================")

	allPass := true

	if !checkBackend(deps) {
		allPass = false
	}
	if !checkHotkey() {
		allPass = false
	}
	if allPass && !checkMicAndTranscription(deps) {
		allPass = false
	}
	if allPass && !checkClipboard() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

// checkBackend verifies the configured inference path is usable without
// recording anything: runner imports for local backends, server reachability
// for the remote one.
func checkBackend(deps Deps) bool {
	fmt.Println()
	fmt.Println("[1/4] Transcription backend")

	spec, err := model.Resolve(deps.Settings.Model)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	backend, _ := model.Select(deps.Settings.Model, deps.Settings.WhisperBackend)
	fmt.Printf("  Model %s via %s\n", spec.Name, backend)

	if !backend.Local() {
		ok, msg := transcriber.Ping(deps.Settings.APIURL)
		if !ok {
			fmt.Printf("  FAIL: %s\n", msg)
			return false
		}
		fmt.Printf("  PASS: %s\n", msg)
		return true
	}

	python := os.Getenv("MURMUR_PYTHON")
	if python == "" {
		python = "python"
	}
	if _, err := exec.LookPath(python); err != nil {
		fmt.Printf("  FAIL: %s not found on PATH\n", python)
		return false
	}

	pkg := "faster_whisper"
	if spec.Family == model.FamilyParakeet {
		pkg = "onnx_asr"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, python, "-c", "import "+pkg).Run(); err != nil {
		fmt.Printf("  FAIL: cannot import %s (pip install %s): %v\n", pkg, strings.ReplaceAll(pkg, "_", "-"), err)
		return false
	}
	fmt.Printf("  PASS: %s importable via %s\n", pkg, python)

	if deps.Settings.ModelDevice == "gpu" && deps.Local != nil {
		resolved := deps.Local.ResolveDevice(context.Background(), spec, "gpu")
		if resolved == "gpu" {
			fmt.Println("  PASS: GPU available")
		} else {
			fmt.Println("  Note: GPU requested but probe failed; inference will use CPU")
		}
	}
	return true
}

func checkHotkey() bool {
	fmt.Println()
	fmt.Println("[2/4] Hotkey detection")
	fmt.Printf("Press %s...\n", hotkey.BindingMicrophone)

	hk := hotkey.New(hotkey.BindingMicrophone)
	if err := hk.Register(); err != nil {
		fmt.Printf("  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	select {
	case <-hk.Keydown():
		fmt.Println("  PASS: hotkey detected")
		// Wait for keyup to avoid triggering next step
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		resetTerminal()
		return true
	case <-time.After(10 * time.Second):
		fmt.Println("  FAIL: timeout waiting for hotkey")
		return false
	}
}

func checkMicAndTranscription(deps Deps) bool {
	fmt.Println()
	fmt.Println("[3/4] Microphone and transcription")

	reader := bufio.NewReader(os.Stdin)

	ctx, err := capture.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices(capture.SourceMicrophone)
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return false
	}

	var device *capture.DeviceInfo
	if len(devices) == 1 {
		device = &devices[0]
		fmt.Printf("Using device: %s\n", device.Name)
	} else {
		fmt.Println()
		fmt.Println("Select input device:")
		for i, d := range devices {
			fmt.Printf("  %d. %s\n", i+1, d.Name)
		}
		fmt.Printf("Choice [1-%d]: ", len(devices))

		devChoice, _ := reader.ReadString('\n')
		devChoice = strings.TrimSpace(devChoice)
		idx := 0
		if devChoice != "" {
			fmt.Sscanf(devChoice, "%d", &idx)
			idx--
		}
		if idx < 0 || idx >= len(devices) {
			fmt.Println("  FAIL: invalid choice")
			return false
		}
		device = &devices[idx]
		fmt.Printf("Selected: %s\n", device.Name)
	}

	fmt.Println()
	fmt.Print("Press Enter and speak for 3 seconds...")
	reader.ReadString('\n')

	sess, err := capture.Open(ctx, capture.SourceMicrophone, device, capture.Options{
		PreferredRate: deps.Settings.SampleRate,
	})
	if err != nil {
		fmt.Printf("  FAIL: recording error: %v\n", err)
		return false
	}

	fmt.Print("  Recording")
	for i := 0; i < 6; i++ {
		time.Sleep(500 * time.Millisecond)
		fmt.Print(".")
	}
	res := sess.Stop()
	fmt.Println(" done")

	if res.Rejected != capture.RejectNone {
		fmt.Println("  FAIL: no audio captured")
		return false
	}

	fmt.Printf("  Recorded %.1f KB, transcribing...\n", float64(len(res.WAV))/1024)

	spec, err := model.Resolve(deps.Settings.Model)
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	backend, _ := model.Select(deps.Settings.Model, deps.Settings.WhisperBackend)

	var t transcriber.Transcriber = deps.Local
	if !backend.Local() {
		t = transcriber.NewRemote(deps.Settings.APIURL, deps.Settings.APIEndpoint)
	}
	text, err := t.Transcribe(context.Background(), transcriber.Request{
		WAV:      res.WAV,
		Model:    spec,
		Device:   deps.Settings.ModelDevice,
		Language: deps.Settings.Language,
	})
	if err != nil {
		fmt.Printf("  FAIL: transcription error: %v\n", err)
		return false
	}

	text = strings.TrimSpace(text)
	if text == "" {
		text = "(no speech detected)"
	}
	fmt.Printf("\n  Transcribed text: %s\n\n", text)

	confirmReader := bufio.NewReader(os.Stdin)
	fmt.Print("Is this correct? [y/n]: ")
	confirm, _ := confirmReader.ReadString('\n')
	confirm = strings.TrimSpace(strings.ToLower(confirm))

	if confirm == "y" || confirm == "yes" {
		fmt.Println("  PASS: transcription verified by user")
		return true
	}
	fmt.Println("  FAIL: transcription not confirmed")
	return false
}

func checkClipboard() bool {
	fmt.Println()
	fmt.Println("[4/4] Clipboard")

	testStr := "murmur-doctor-test"
	if err := deliver.Copy(testStr); err != nil {
		fmt.Printf("  FAIL: clipboard copy failed: %v\n", err)
		return false
	}
	got, err := deliver.Read()
	if err != nil {
		fmt.Printf("  FAIL: clipboard read failed: %v\n", err)
		return false
	}
	if got != testStr {
		fmt.Printf("  FAIL: clipboard roundtrip mismatch (got %q)\n", got)
		return false
	}
	fmt.Println("  PASS: clipboard roundtrip verified")
	return true
}
