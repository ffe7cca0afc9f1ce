package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	adbKeyboardPackage = "com.android.adbkeyboard"
	adbKeyboardIME     = "com.android.adbkeyboard/.AdbIME"
)

// Type enters text into the focused field. ASCII goes through "input text";
// anything else needs the ADBKeyboard IME on the device.
func (h *Helpers) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if containsNonASCII(text) {
		return h.typeViaADBKeyboard(ctx, text)
	}
	_, err := h.Shell(ctx, "input text "+EscapeInputText(text))
	return err
}

func (h *Helpers) adbKeyboardInstalled(ctx context.Context) bool {
	out, err := h.Shell(ctx, "pm list packages "+adbKeyboardPackage)
	return err == nil && strings.Contains(out, "package:"+adbKeyboardPackage)
}

func (h *Helpers) currentIME(ctx context.Context) string {
	out, err := h.Shell(ctx, "settings get secure default_input_method")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// typeViaADBKeyboard switches to ADBKeyboard only for the broadcast and restores
// the previous IME right after.
func (h *Helpers) typeViaADBKeyboard(ctx context.Context, text string) error {
	if !h.adbKeyboardInstalled(ctx) {
		return fmt.Errorf("text contains non-ASCII characters and %s is not installed on %s", adbKeyboardPackage, h.session.Serial())
	}
	_, _ = h.Shell(ctx, "ime enable "+adbKeyboardIME)

	previous := h.currentIME(ctx)
	if previous != adbKeyboardIME {
		if _, err := h.Shell(ctx, "ime set "+adbKeyboardIME); err != nil {
			return fmt.Errorf("activate ADBKeyboard: %w", err)
		}
		// the IME service needs a moment to bind to the focused field
		if err := Sleep(ctx, 800*time.Millisecond); err != nil {
			return err
		}
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	out, err := h.Shell(ctx, "am broadcast -a ADB_INPUT_B64 --es msg "+encoded)

	if previous != "" && previous != adbKeyboardIME {
		if _, rerr := h.Shell(ctx, "ime set "+previous); rerr != nil {
			h.log.Debug().Err(rerr).Str("ime", previous).Msg("failed to restore previous IME")
		}
	}

	if err != nil {
		return fmt.Errorf("ADBKeyboard broadcast failed: %w", err)
	}
	if !strings.Contains(out, "result=0") && !strings.Contains(out, "result=-1") {
		h.log.Debug().Str("output", out).Msg("unexpected broadcast result")
	}
	return nil
}

func containsNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

// EscapeInputText prepares ASCII text for "input text": spaces become %s and
// shell metacharacters are backslash escaped.
func EscapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\'', '"', '`', '\\', '$', '(', ')', '{', '}', '[', ']',
			'&', '|', ';', '<', '>', '#', '!', '~', '*', '?':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n', '\t':
			b.WriteString("%s")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
