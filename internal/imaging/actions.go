package imaging

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidParam  = errors.New("invalid parameter")
)

// Action is one supported image transformation.
type Action string

const (
	ActionResize    Action = "resize"
	ActionGrayscale Action = "grayscale"
	ActionRotate    Action = "rotate"
	ActionText      Action = "text"
	ActionBlur      Action = "blur"
	ActionSharpen   Action = "sharpen"
	ActionSepia     Action = "sepia"
	ActionNegative  Action = "negative"
	ActionFlip      Action = "flip"
	ActionFlop      Action = "flop"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionResize, ActionGrayscale, ActionRotate, ActionText, ActionBlur,
	ActionSharpen, ActionSepia, ActionNegative, ActionFlip, ActionFlop,
}

// ParseAction resolves a case-insensitive action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a == "" {
		return "", fmt.Errorf("%w: no action specified", ErrInvalidAction)
	}
	if !slices.Contains(Actions, a) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAction, s)
	}
	return a, nil
}

// Params carries the optional per-action settings. Empty fields take the defaults.
type Params struct {
	Text             string
	ResizePercentage string
	RotationAngle    string
	TextSize         string
	TextColor        string
	TextFont         string
	TextPosition     string
	BlurRadius       string
}

// DefaultParams returns the settings used when a request omits them.
func DefaultParams() Params {
	return Params{
		ResizePercentage: "50",
		RotationAngle:    "90",
		TextSize:         "120",
		TextColor:        "black",
		TextFont:         "Arial",
		TextPosition:     "Center",
		BlurRadius:       "0x1",
	}
}

// withDefaults fills empty fields from DefaultParams.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	d.Text = p.Text
	if p.ResizePercentage != "" {
		d.ResizePercentage = p.ResizePercentage
	}
	if p.RotationAngle != "" {
		d.RotationAngle = p.RotationAngle
	}
	if p.TextSize != "" {
		d.TextSize = p.TextSize
	}
	if p.TextColor != "" {
		d.TextColor = p.TextColor
	}
	if p.TextFont != "" {
		d.TextFont = p.TextFont
	}
	if p.TextPosition != "" {
		d.TextPosition = p.TextPosition
	}
	if p.BlurRadius != "" {
		d.BlurRadius = p.BlurRadius
	}
	return d
}

var (
	geometryRe = regexp.MustCompile(`^\d+(\.\d+)?x\d+(\.\d+)?$`)
	colorRe    = regexp.MustCompile(`^(#[0-9A-Fa-f]{3,12}|[A-Za-z]+[0-9]*|(rgb|rgba|hsl|hsla)\([0-9.,% ]+\))$`)
	fontRe     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]*$`)

	gravities = []string{
		"NorthWest", "North", "NorthEast", "West", "Center",
		"East", "SouthWest", "South", "SouthEast",
	}
)

// BuildArgs returns the ImageMagick arguments (without the program name)
// that apply action to input and write output.
func BuildArgs(action Action, params Params, input, output string) ([]string, error) {
	p := params.withDefaults()
	args := []string{input}

	switch action {
	case ActionResize:
		pct, err := strconv.ParseFloat(p.ResizePercentage, 64)
		if err != nil || pct <= 0 || pct > 1000 {
			return nil, fmt.Errorf("%w: resize_percentage must be a number between 0 and 1000", ErrInvalidParam)
		}
		args = append(args, "-resize", strconv.FormatFloat(pct, 'f', -1, 64)+"%")
	case ActionGrayscale:
		args = append(args, "-colorspace", "Gray")
	case ActionRotate:
		angle, err := strconv.ParseFloat(p.RotationAngle, 64)
		if err != nil || angle < -360 || angle > 360 {
			return nil, fmt.Errorf("%w: rotation_angle must be a number between -360 and 360", ErrInvalidParam)
		}
		args = append(args, "-rotate", strconv.FormatFloat(angle, 'f', -1, 64))
	case ActionText:
		textArgs, err := textArgs(p)
		if err != nil {
			return nil, err
		}
		args = append(args, textArgs...)
	case ActionBlur:
		if !geometryRe.MatchString(p.BlurRadius) {
			return nil, fmt.Errorf("%w: blur_radius must look like 0x1", ErrInvalidParam)
		}
		args = append(args, "-blur", p.BlurRadius)
	case ActionSharpen:
		args = append(args, "-sharpen", "0x1")
	case ActionSepia:
		args = append(args, "-sepia-tone", "80%")
	case ActionNegative:
		args = append(args, "-negate")
	case ActionFlip:
		args = append(args, "-flip")
	case ActionFlop:
		args = append(args, "-flop")
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}

	return append(args, output), nil
}

func textArgs(p Params) ([]string, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: text is required for text action", ErrInvalidParam)
	}
	size, err := strconv.Atoi(p.TextSize)
	if err != nil || size <= 0 || size > 1000 {
		return nil, fmt.Errorf("%w: text_size must be an integer between 1 and 1000", ErrInvalidParam)
	}
	if !colorRe.MatchString(p.TextColor) {
		return nil, fmt.Errorf("%w: text_color is not a valid color", ErrInvalidParam)
	}
	if !fontRe.MatchString(p.TextFont) {
		return nil, fmt.Errorf("%w: text_font is not a valid font name", ErrInvalidParam)
	}
	gravity, ok := matchGravity(p.TextPosition)
	if !ok {
		return nil, fmt.Errorf("%w: text_position must be one of %s", ErrInvalidParam, strings.Join(gravities, ", "))
	}

	return []string{
		"-gravity", gravity,
		"-font", p.TextFont,
		"-pointsize", strconv.Itoa(size),
		"-fill", p.TextColor,
		"-annotate", "+0+10", escapeText(p.Text),
	}, nil
}

func matchGravity(s string) (string, bool) {
	for _, g := range gravities {
		if strings.EqualFold(g, s) {
			return g, true
		}
	}
	return "", false
}

// escapeText stops -annotate from reading a file for a leading @ and from
// expanding % escapes such as %[filename] into image properties.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if strings.HasPrefix(s, "@") {
		return `\` + s
	}
	return s
}

// AllowedExtensions are the upload types accepted for processing.
var AllowedExtensions = []string{"png", "jpg", "jpeg", "gif", "bmp", "tiff", "webp"}

// Extension returns the lower-cased extension of filename if it is allowed.
func Extension(filename string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || !slices.Contains(AllowedExtensions, ext) {
		return "", false
	}
	return ext, true
}

// MimeType returns the content type for an allowed extension.
func MimeType(ext string) string {
	switch ext {
	case "jpg":
		return "image/jpeg"
	default:
		return "image/" + ext
	}
}
