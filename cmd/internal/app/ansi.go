package app

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// stripANSI removes CSI escape sequences so width math can be done on the
// visible characters.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for _, r := range s {
		if inEsc {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEsc = false
			}
			continue
		}
		if r == 0x1b {
			inEsc = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments lays out segments onto lines no wider than width. Segments
// never break mid-segment; a segment that cannot fit even on its own line is
// truncated with an ellipsis. Continuation lines start with contPrefix.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segments, sep)}
	}

	var lines []string
	cur := ""
	curVis := 0
	sepVis := visualLen(sep)

	for _, seg := range segments {
		segVis := visualLen(seg)

		if cur == "" {
			prefix := ""
			if len(lines) > 0 {
				prefix = contPrefix
			}
			budget := width - visualLen(prefix)
			if segVis > budget {
				seg = truncateVisual(seg, budget)
				segVis = visualLen(seg)
			}
			cur = prefix + seg
			curVis = visualLen(prefix) + segVis
			continue
		}

		if curVis+sepVis+segVis <= width {
			cur += sep + seg
			curVis += sepVis + segVis
			continue
		}

		lines = append(lines, cur)
		budget := width - visualLen(contPrefix)
		if segVis > budget {
			seg = truncateVisual(seg, budget)
			segVis = visualLen(seg)
		}
		cur = contPrefix + seg
		curVis = visualLen(contPrefix) + segVis
	}

	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

// truncateVisual shortens s to at most max visible runes, ending with an
// ellipsis. Escape sequences pass through without counting.
func truncateVisual(s string, max int) string {
	if max <= 1 {
		return "…"
	}
	var b strings.Builder
	vis := 0
	inEsc := false
	for _, r := range s {
		if inEsc {
			b.WriteRune(r)
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEsc = false
			}
			continue
		}
		if r == 0x1b {
			inEsc = true
			b.WriteRune(r)
			continue
		}
		if vis == max-1 {
			break
		}
		b.WriteRune(r)
		vis++
	}
	b.WriteString("…")
	if strings.Contains(s, "\x1b") {
		b.WriteString(ansiReset)
	}
	return b.String()
}

// terminalWidth resolves the wrap width: explicit override, then the
// COLUMNS the shell exports, then a sane default. Widths too narrow to be
// useful fall through.
func (h *prettyHandler) terminalWidth() int {
	const (
		defaultWidth = 100
		minWidth     = 40
	)
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("ARQONBUS_LOG_WIDTH"))); err == nil && n >= minWidth {
		return n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("COLUMNS"))); err == nil && n >= minWidth {
		return n
	}
	return defaultWidth
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET":
		return ansiGreen + method + ansiReset
	case "POST":
		return ansiBlue + method + ansiReset
	case "PUT", "PATCH":
		return ansiYellow + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return method
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	switch {
	case status >= 500:
		return ansiRed + s + ansiReset
	case status >= 400:
		return ansiYellow + s + ansiReset
	case status >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color || class == "" {
		return class
	}
	switch class[0] {
	case '5':
		return ansiRed + class + ansiReset
	case '4':
		return ansiYellow + class + ansiReset
	case '3':
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 250:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "server_error":
		return ansiRed + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	case "redirect":
		return ansiCyan + result + ansiReset
	case "success":
		return ansiGreen + result + ansiReset
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
