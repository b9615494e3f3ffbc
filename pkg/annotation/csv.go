package annotation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// csvColumns is the header the labeling tool writes for CSV records, one row per shape
var csvColumns = []string{"label", "points", "group_id", "description", "shape_type", "flags", "mask", "imagePath"}

// DecodeCSV parses a CSV record. All rows belong to one image; imagePath is taken from the first row.
func DecodeCSV(r io.Reader) (types.AnnotationRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return types.AnnotationRecord{}, fmt.Errorf("%w: csv header: %v", types.ErrRecordUnreadable, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range []string{"label", "points", "imagePath"} {
		if _, ok := col[name]; !ok {
			return types.AnnotationRecord{}, fmt.Errorf("%w: csv column %q missing", types.ErrRecordUnreadable, name)
		}
	}

	var rec types.AnnotationRecord
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return types.AnnotationRecord{}, fmt.Errorf("%w: csv line %d: %v", types.ErrRecordUnreadable, line, err)
		}
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		s, err := shapeFromRow(get)
		if err != nil {
			return types.AnnotationRecord{}, fmt.Errorf("csv line %d: %w", line, err)
		}
		rec.Shapes = append(rec.Shapes, s)
		if rec.ImagePath == "" {
			rec.ImagePath = get("imagePath")
		}
	}

	if rec.ImagePath == "" {
		return types.AnnotationRecord{}, fmt.Errorf("%w: csv record without imagePath", types.ErrRecordUnreadable)
	}
	return rec, nil
}

func shapeFromRow(get func(string) string) (types.Shape, error) {
	s := types.Shape{
		Label:     get("label"),
		ShapeType: types.ShapeType(get("shape_type")),
	}

	if v := get("points"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.Points); err != nil {
			return types.Shape{}, fmt.Errorf("%w: points: %v", types.ErrRecordUnreadable, err)
		}
	}
	if v := get("flags"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.Flags); err != nil {
			return types.Shape{}, fmt.Errorf("%w: flags: %v", types.ErrRecordUnreadable, err)
		}
	}
	if v := get("group_id"); v != "" && v != "None" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return types.Shape{}, fmt.Errorf("%w: group_id: %v", types.ErrRecordUnreadable, err)
		}
		s.GroupID = &id
	}
	if v := get("description"); v != "" {
		// written either as a JSON string or as bare text
		var d string
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			d = v
		}
		s.Description = &d
	}
	if v := get("mask"); v != "" && v != "None" {
		s.MaskData = v
	}

	if err := finishShape(&s); err != nil {
		return types.Shape{}, err
	}
	return s, nil
}

// EncodeCSV writes a record in the CSV layout read by DecodeCSV
func EncodeCSV(w io.Writer, rec types.AnnotationRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, s := range rec.Shapes {
		points, err := json.Marshal(s.Points)
		if err != nil {
			return err
		}
		flags := s.Flags
		if flags == nil {
			flags = map[string]bool{}
		}
		flagsJSON, err := json.Marshal(flags)
		if err != nil {
			return err
		}
		groupID := ""
		if s.GroupID != nil {
			groupID = strconv.Itoa(*s.GroupID)
		}
		description := ""
		if s.Description != nil {
			description = *s.Description
		}
		row := []string{s.Label, string(points), groupID, description, string(s.ShapeType), string(flagsJSON), s.MaskData, rec.ImagePath}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
