// Package params validates caller-supplied parameter values against an
// action's schema and renders them into command-line tokens.
package params

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/fsroot"
	"github.com/WangQiHao-Charlie/actiond/internal/registry"
)

// Rendered is the outcome of rendering one request.
type Rendered struct {
	// Tokens follow the declared parameter order; missing optional
	// parameters contribute nothing.
	Tokens []string
	// InputMTime is the newest modification time among file and directory
	// parameters, zero when none contributed.
	InputMTime time.Time
}

// Render validates values against def and renders the command-line tokens.
// It stops at the first invalid parameter.
func Render(def registry.Definition, values map[string]any, files *fsroot.Root) (Rendered, error) {
	var out Rendered
	for _, p := range def.Parameters {
		if p.IsAnchor() {
			out.Tokens = append(out.Tokens, p.AnchorText())
			continue
		}
		raw, ok := values[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return Rendered{}, apperrors.WithMetadata(apperrors.CodeMissingParameter,
					"parameter "+p.Name+" is required", map[string]string{"parameter": p.Name})
			}
			continue
		}
		value := Stringify(raw)

		switch p.Type {
		case registry.TypeFile, registry.TypeDirectory:
			path, mtime, err := resolvePath(p, value, files)
			if err != nil {
				return Rendered{}, err
			}
			if mtime.After(out.InputMTime) {
				out.InputMTime = mtime
			}
			out.Tokens = append(out.Tokens, p.Prefix+escapeSpaces(path))
		case registry.TypeString:
			if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
				return Rendered{}, invalid(p, "must not contain spaces")
			}
			out.Tokens = append(out.Tokens, p.Prefix+value)
		case registry.TypeInt:
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return Rendered{}, invalid(p, "must be an integer value")
			}
			if err := checkRange(p, float64(n)); err != nil {
				return Rendered{}, err
			}
			out.Tokens = append(out.Tokens, p.Prefix+value)
		case registry.TypeFloat:
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || math.IsNaN(f) {
				return Rendered{}, invalid(p, "must be a floating point value")
			}
			if err := checkRange(p, f); err != nil {
				return Rendered{}, err
			}
			out.Tokens = append(out.Tokens, p.Prefix+value)
		case registry.TypeText, registry.TypeBase64Data:
			out.Tokens = append(out.Tokens, p.Prefix+value)
		default:
			return Rendered{}, invalid(p, "has unhandled type "+string(p.Type))
		}
	}
	return out, nil
}

// CommandLine joins the action program with the rendered tokens. For
// in-process handlers the handler id takes the place of the program.
func CommandLine(def registry.Definition, tokens []string) string {
	base := def.Program()
	if def.Backend() == registry.BackendHandler {
		base = def.Attributes.Module
	}
	parts := make([]string, 0, len(tokens)+1)
	parts = append(parts, base)
	parts = append(parts, tokens...)
	return strings.Join(parts, " ")
}

// Stringify converts a decoded request value into its command-line form.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func resolvePath(p registry.Parameter, value string, files *fsroot.Root) (string, time.Time, error) {
	real, err := files.Validate(value)
	if err != nil {
		if apperrors.Is(err, apperrors.CodePathNotAllowed) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, apperrors.Wrap(apperrors.CodeInvalidParameter,
			"parameter "+p.Name+": cannot resolve "+value, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.CodeInvalidParameter, "parameter "+p.Name, err)
	}
	if p.Type == registry.TypeDirectory && !fi.IsDir() {
		return "", time.Time{}, invalid(p, value+" is not a directory")
	}
	return real, fi.ModTime(), nil
}

func checkRange(p registry.Parameter, v float64) error {
	if p.Min != nil && v < float64(*p.Min) {
		return apperrors.WithMetadata(apperrors.CodeOutOfRange,
			"parameter "+p.Name+" minimum value is "+strconv.FormatFloat(float64(*p.Min), 'f', -1, 64),
			map[string]string{"parameter": p.Name})
	}
	if p.Max != nil && v > float64(*p.Max) {
		return apperrors.WithMetadata(apperrors.CodeOutOfRange,
			"parameter "+p.Name+" maximal value is "+strconv.FormatFloat(float64(*p.Max), 'f', -1, 64),
			map[string]string{"parameter": p.Name})
	}
	return nil
}

func invalid(p registry.Parameter, msg string) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidParameter,
		"parameter "+p.Name+" "+msg, map[string]string{"parameter": p.Name})
}

func escapeSpaces(path string) string {
	return strings.ReplaceAll(path, " ", `\ `)
}
