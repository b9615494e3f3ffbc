package annotation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"sort"

	"github.com/menta2k/dataset-exporter/pkg/processing"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

var recordKeys = map[string]bool{
	"version": true, "imageData": true, "imagePath": true, "shapes": true,
	"flags": true, "imageHeight": true, "imageWidth": true,
}

var shapeKeys = map[string]bool{
	"label": true, "points": true, "group_id": true, "shape_type": true,
	"flags": true, "description": true, "mask": true,
}

// Decode parses a labelme JSON record. Keys the exporter does not know are kept in Extra.
func Decode(data []byte) (types.AnnotationRecord, error) {
	raw, order, err := decodeObject(data)
	if err != nil {
		return types.AnnotationRecord{}, fmt.Errorf("%w: %v", types.ErrRecordUnreadable, err)
	}

	var rec types.AnnotationRecord
	fields := []struct {
		key string
		dst interface{}
	}{
		{"version", &rec.Version},
		{"imagePath", &rec.ImagePath},
		{"imageWidth", &rec.ImageWidth},
		{"imageHeight", &rec.ImageHeight},
		{"flags", &rec.Flags},
	}
	for _, f := range fields {
		if err := decodeField(raw, f.key, f.dst); err != nil {
			return types.AnnotationRecord{}, err
		}
	}
	if rec.ImagePath == "" {
		return types.AnnotationRecord{}, fmt.Errorf("%w: missing imagePath", types.ErrRecordUnreadable)
	}

	var imageData *string
	if err := decodeField(raw, "imageData", &imageData); err != nil {
		return types.AnnotationRecord{}, err
	}
	if imageData != nil && *imageData != "" {
		b, err := base64.StdEncoding.DecodeString(*imageData)
		if err != nil {
			return types.AnnotationRecord{}, fmt.Errorf("%w: imageData: %v", types.ErrRecordUnreadable, err)
		}
		rec.ImageData = b
	}

	var rawShapes []json.RawMessage
	if err := decodeField(raw, "shapes", &rawShapes); err != nil {
		return types.AnnotationRecord{}, err
	}
	for i, rs := range rawShapes {
		s, err := decodeShape(rs)
		if err != nil {
			return types.AnnotationRecord{}, fmt.Errorf("shape %d: %w", i, err)
		}
		rec.Shapes = append(rec.Shapes, s)
	}

	rec.Extra, rec.ExtraKeys = extras(raw, order, recordKeys)
	return rec, nil
}

// decodeObject reads a JSON object keeping the order of its keys
func decodeObject(data []byte) (map[string]json.RawMessage, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}

	raw := make(map[string]json.RawMessage)
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := raw[key]; !dup {
			keys = append(keys, key)
		}
		raw[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, nil, fmt.Errorf("trailing data after object")
	}
	return raw, keys, nil
}

// extras collects the keys outside known, in document order
func extras(raw map[string]json.RawMessage, order []string, known map[string]bool) (map[string]json.RawMessage, []string) {
	var extra map[string]json.RawMessage
	var keys []string
	for _, k := range order {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = compact(raw[k])
		keys = append(keys, k)
	}
	return extra, keys
}

func decodeField(raw map[string]json.RawMessage, key string, dst interface{}) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: field %q: %v", types.ErrRecordUnreadable, key, err)
	}
	return nil
}

func decodeShape(data json.RawMessage) (types.Shape, error) {
	raw, order, err := decodeObject(data)
	if err != nil {
		return types.Shape{}, fmt.Errorf("%w: %v", types.ErrRecordUnreadable, err)
	}

	var s types.Shape
	var maskData *string
	fields := []struct {
		key string
		dst interface{}
	}{
		{"label", &s.Label},
		{"points", &s.Points},
		{"group_id", &s.GroupID},
		{"shape_type", &s.ShapeType},
		{"flags", &s.Flags},
		{"description", &s.Description},
		{"mask", &maskData},
	}
	for _, f := range fields {
		if err := decodeField(raw, f.key, f.dst); err != nil {
			return types.Shape{}, err
		}
	}
	if maskData != nil {
		s.MaskData = *maskData
	}

	s.Extra, s.ExtraKeys = extras(raw, order, shapeKeys)

	if err := finishShape(&s); err != nil {
		return types.Shape{}, err
	}
	return s, nil
}

// compact normalizes whitespace so extras compare equal across load/save cycles
func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// finishShape applies defaults and validates a decoded shape. Shapes of a
// type the exporter cannot crop (point, line, circle...) are kept unvalidated
// so the record still round-trips; the converter skips them.
func finishShape(s *types.Shape) error {
	if s.ShapeType == "" {
		s.ShapeType = types.Polygon
	}
	if s.Label == "" {
		return fmt.Errorf("%w: shape without label", types.ErrRecordUnreadable)
	}
	if !s.ShapeType.Valid() {
		return nil
	}
	if len(s.Points) == 0 {
		return fmt.Errorf("%w: shape %q has no points", types.ErrRecordUnreadable, s.Label)
	}
	if s.ShapeType == types.Rectangle && len(s.Points) != 2 {
		return fmt.Errorf("%w: rectangle %q needs 2 points, got %d", types.ErrRecordUnreadable, s.Label, len(s.Points))
	}
	if s.MaskData != "" {
		mask, err := decodeMask(s.MaskData)
		if err != nil {
			return fmt.Errorf("%w: mask of %q: %v", types.ErrRecordUnreadable, s.Label, err)
		}
		s.Mask = mask
	}
	return nil
}

// decodeMask turns a base64 PNG into a binary alpha raster
func decodeMask(b64 string) (*image.Alpha, error) {
	img, err := processing.NewProcessor().DecodeBase64(b64)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	mask := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y != 0 {
				mask.SetAlpha(x-b.Min.X, y-b.Min.Y, color.Alpha{A: 255})
			}
		}
	}
	return mask, nil
}

type field struct {
	key   string
	value interface{}
}

// Encode serializes a record back to labelme JSON, re-emitting Extra keys verbatim
func Encode(rec types.AnnotationRecord) ([]byte, error) {
	var imageData interface{}
	if len(rec.ImageData) > 0 {
		imageData = base64.StdEncoding.EncodeToString(rec.ImageData)
	}
	flags := rec.Flags
	if flags == nil {
		flags = map[string]bool{}
	}

	shapes := make([]json.RawMessage, 0, len(rec.Shapes))
	for _, s := range rec.Shapes {
		b, err := encodeShape(s)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, b)
	}

	var width, height interface{}
	if rec.ImageWidth > 0 {
		width = rec.ImageWidth
	}
	if rec.ImageHeight > 0 {
		height = rec.ImageHeight
	}

	out, err := encodeObject([]field{
		{"version", rec.Version},
		{"flags", flags},
		{"shapes", shapes},
		{"imagePath", rec.ImagePath},
		{"imageData", imageData},
		{"imageHeight", height},
		{"imageWidth", width},
	}, rec.Extra, rec.ExtraKeys)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeShape(s types.Shape) (json.RawMessage, error) {
	var mask interface{}
	if s.MaskData != "" {
		mask = s.MaskData
	}
	flags := s.Flags
	if flags == nil {
		flags = map[string]bool{}
	}
	points := s.Points
	if points == nil {
		points = []types.Point{}
	}
	return encodeObject([]field{
		{"label", s.Label},
		{"points", points},
		{"group_id", s.GroupID},
		{"description", s.Description},
		{"shape_type", s.ShapeType},
		{"flags", flags},
		{"mask", mask},
	}, s.Extra, s.ExtraKeys)
}

// encodeObject writes known fields in order followed by extras, first in
// the order of keys and then any remaining extras sorted by key
func encodeObject(known []field, extra map[string]json.RawMessage, keys []string) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, value []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}

	for _, f := range known {
		v, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.key, err)
		}
		write(f.key, v)
	}

	written := make(map[string]bool, len(extra))
	for _, k := range keys {
		v, ok := extra[k]
		if !ok || written[k] {
			continue
		}
		write(k, v)
		written[k] = true
	}
	var rest []string
	for k := range extra {
		if !written[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		write(k, extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
