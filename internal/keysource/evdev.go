package keysource

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/HakAl/arkinput/internal/capture"
)

// Linux input event layout (linux/input.h) on 64-bit hosts:
// struct timeval (16 bytes), __u16 type, __u16 code, __s32 value.
const (
	eventSize = 24

	evKey = 0x01

	valueRelease = 0
	valuePress   = 1
	valueRepeat  = 2
)

// ErrNoKeyboard is returned when no keyboard device could be found.
var ErrNoKeyboard = errors.New("no keyboard input device found")

// evdevKeys maps Linux key codes to key identifiers.
var evdevKeys = map[uint16]capture.Key{
	1:  capture.KeyEscape,
	2:  capture.KeyNum1,
	3:  capture.KeyNum2,
	4:  capture.KeyNum3,
	5:  capture.KeyNum4,
	6:  capture.KeyNum5,
	7:  capture.KeyNum6,
	8:  capture.KeyNum7,
	9:  capture.KeyNum8,
	10: capture.KeyNum9,
	11: capture.KeyNum0,
	12: capture.KeyMinus,
	13: capture.KeyEqual,
	14: capture.KeyBackspace,
	15: capture.KeyTab,
	16: capture.KeyQ,
	17: capture.KeyW,
	18: capture.KeyE,
	19: capture.KeyR,
	20: capture.KeyT,
	21: capture.KeyY,
	22: capture.KeyU,
	23: capture.KeyI,
	24: capture.KeyO,
	25: capture.KeyP,
	26: capture.KeyLeftBracket,
	27: capture.KeyRightBracket,
	28: capture.KeyReturn,
	29: capture.KeyControlLeft,
	30: capture.KeyA,
	31: capture.KeyS,
	32: capture.KeyD,
	33: capture.KeyF,
	34: capture.KeyG,
	35: capture.KeyH,
	36: capture.KeyJ,
	37: capture.KeyK,
	38: capture.KeyL,
	39: capture.KeySemiColon,
	40: capture.KeyQuote,
	41: capture.KeyBackQuote,
	42: capture.KeyShiftLeft,
	43: capture.KeyBackSlash,
	44: capture.KeyZ,
	45: capture.KeyX,
	46: capture.KeyC,
	47: capture.KeyV,
	48: capture.KeyB,
	49: capture.KeyN,
	50: capture.KeyM,
	51: capture.KeyComma,
	52: capture.KeyDot,
	53: capture.KeySlash,
	54: capture.KeyShiftRight,
	56: capture.KeyAlt,
	57: capture.KeySpace,
	58: capture.KeyCapsLock,

	97:  capture.KeyControlRight,
	100: capture.KeyAltGr,
	102: capture.KeyHome,
	103: capture.KeyUpArrow,
	104: capture.KeyPageUp,
	105: capture.KeyLeftArrow,
	106: capture.KeyRightArrow,
	107: capture.KeyEnd,
	108: capture.KeyDownArrow,
	109: capture.KeyPageDown,
	110: capture.KeyInsert,
	111: capture.KeyDelete,
	125: capture.KeyMetaLeft,
}

// Evdev reads key events from a /dev/input/event* device.
// Reading requires membership in the input group (or root).
type Evdev struct {
	device string
	logger *slog.Logger
}

// NewEvdev creates an evdev source. An empty device is auto-detected when
// Stream starts.
func NewEvdev(device string, logger *slog.Logger) *Evdev {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evdev{device: device, logger: logger}
}

// Device returns the configured device path, or "" when auto-detecting.
func (e *Evdev) Device() string {
	return e.device
}

// Stream implements capture.KeySource.
func (e *Evdev) Stream(ctx context.Context, emit func(capture.KeyEvent)) error {
	device := e.device
	if device == "" {
		device = findKeyboardDevice()
		if device == "" {
			return ErrNoKeyboard
		}
	}

	f, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("opening input device %s: %w", device, err)
	}
	e.logger.Info("reading key events", "device", device, "name", deviceName(f))

	// Closing the file is the only way to unblock a pending Read.
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		if stop() {
			f.Close()
		}
	}()

	err = readEvents(f, emit)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading input device %s: %w", device, err)
	}
	return nil
}

// readEvents decodes input_event records from r until it fails or ends.
func readEvents(r io.Reader, emit func(capture.KeyEvent)) error {
	buf := make([]byte, eventSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev, ok := decodeEvent(buf); ok {
			emit(ev)
		}
	}
}

// decodeEvent converts one raw input_event. Non-key events and unmapped
// codes are reported as !ok. Auto-repeat counts as a press.
func decodeEvent(buf []byte) (capture.KeyEvent, bool) {
	typ := binary.LittleEndian.Uint16(buf[16:18])
	code := binary.LittleEndian.Uint16(buf[18:20])
	value := int32(binary.LittleEndian.Uint32(buf[20:24]))

	if typ != evKey {
		return capture.KeyEvent{}, false
	}

	key, ok := evdevKeys[code]
	if !ok {
		key = capture.Key(fmt.Sprintf("Unknown(%d)", code))
	}

	switch value {
	case valuePress, valueRepeat:
		return capture.KeyEvent{Type: capture.Press, Key: key}, true
	case valueRelease:
		return capture.KeyEvent{Type: capture.Release, Key: key}, true
	}
	return capture.KeyEvent{}, false
}

// findKeyboardDevice returns the first keyboard listed under
// /dev/input/by-id, falling back to /proc/bus/input/devices.
func findKeyboardDevice() string {
	matches, _ := filepath.Glob("/dev/input/by-id/*-event-kbd")
	if len(matches) > 0 {
		return matches[0]
	}

	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return ""
	}
	defer f.Close()
	return parseInputDevices(f)
}

// parseInputDevices scans the /proc/bus/input/devices format for the first
// device whose name mentions a keyboard or whose EV bitmap is 120013.
func parseInputDevices(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	var handler string
	var keyboard bool
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if keyboard && handler != "" {
				return handler
			}
			handler, keyboard = "", false
		case strings.HasPrefix(line, "N: Name="):
			if strings.Contains(strings.ToLower(line), "keyboard") {
				keyboard = true
			}
		case strings.HasPrefix(line, "H: Handlers="):
			for _, p := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(p, "event") {
					handler = "/dev/input/" + p
				}
			}
		case strings.HasPrefix(line, "B: EV="):
			if strings.TrimPrefix(line, "B: EV=") == "120013" {
				keyboard = true
			}
		}
	}
	if keyboard && handler != "" {
		return handler
	}
	return ""
}
