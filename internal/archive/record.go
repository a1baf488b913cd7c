// Package archive streams comment records out of a directory of compressed
// newline-delimited JSON dumps.
package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

var (
	// ErrMissingField is returned when a parsed record lacks an expected field.
	ErrMissingField = errors.New("missing field")

	// ErrFieldType is returned when a field holds an unexpected JSON type.
	ErrFieldType = errors.New("unexpected field type")
)

// FieldError locates a record decoding failure.
type FieldError struct {
	File  string
	Line  int
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if loc == "" {
		return fmt.Sprintf("field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: field %q: %v", loc, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Record is one raw comment as read from an archive.
type Record struct {
	ID       string
	Body     string
	Ups      int64
	Downs    int64
	Author   string
	ParentID *string
	Group    string
}

// Fields names the JSON keys a record is decoded from.
type Fields struct {
	ID       string
	Body     string
	Ups      string
	Downs    string
	Author   string
	ParentID string
	Group    string
}

// DefaultFields matches the public Reddit comment dumps.
func DefaultFields() Fields {
	return Fields{
		ID:       "name",
		Body:     "body",
		Ups:      "ups",
		Downs:    "downs",
		Author:   "author",
		ParentID: "parent_id",
		Group:    "subreddit",
	}
}

func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.Body == "" {
		f.Body = d.Body
	}
	if f.Ups == "" {
		f.Ups = d.Ups
	}
	if f.Downs == "" {
		f.Downs = d.Downs
	}
	if f.Author == "" {
		f.Author = d.Author
	}
	if f.ParentID == "" {
		f.ParentID = d.ParentID
	}
	if f.Group == "" {
		f.Group = d.Group
	}
	return f
}

const (
	idxID = iota
	idxBody
	idxUps
	idxDowns
	idxAuthor
	idxParent
	idxGroup
	numFields
)

// Complete reports whether a raw line looks like a whole JSON object.
// Truncated lines at the tail of a damaged archive fail this check and are
// skipped instead of parsed.
func Complete(line []byte) bool {
	end := len(line)
	for end > 0 {
		switch line[end-1] {
		case '\n', '\r', ' ', '\t':
			end--
			continue
		}
		break
	}
	return end > 1 && line[end-1] == '}'
}

// Decode extracts a Record from one JSON object in a single pass.
// A missing field or a field of the wrong type is an error; parent_id may
// be null.
func Decode(data []byte, fields Fields) (Record, error) {
	fields = fields.withDefaults()
	names := [numFields]string{
		idxID:     fields.ID,
		idxBody:   fields.Body,
		idxUps:    fields.Ups,
		idxDowns:  fields.Downs,
		idxAuthor: fields.Author,
		idxParent: fields.ParentID,
		idxGroup:  fields.Group,
	}
	paths := make([][]string, numFields)
	for i, n := range names {
		paths[i] = []string{n}
	}

	var (
		rec    Record
		seen   [numFields]bool
		decErr error
	)
	jsonparser.EachKey(data, func(idx int, value []byte, vt jsonparser.ValueType, err error) {
		if decErr != nil || idx < 0 || idx >= numFields {
			return
		}
		if err != nil {
			decErr = &FieldError{Field: names[idx], Err: err}
			return
		}
		seen[idx] = true
		switch idx {
		case idxUps, idxDowns:
			n, err := parseInt(value, vt)
			if err != nil {
				decErr = &FieldError{Field: names[idx], Err: err}
				return
			}
			if idx == idxUps {
				rec.Ups = n
			} else {
				rec.Downs = n
			}
		case idxParent:
			if vt == jsonparser.Null {
				return
			}
			s, err := parseString(value, vt)
			if err != nil {
				decErr = &FieldError{Field: names[idx], Err: err}
				return
			}
			rec.ParentID = &s
		default:
			s, err := parseString(value, vt)
			if err != nil {
				decErr = &FieldError{Field: names[idx], Err: err}
				return
			}
			switch idx {
			case idxID:
				rec.ID = s
			case idxBody:
				rec.Body = s
			case idxAuthor:
				rec.Author = s
			case idxGroup:
				rec.Group = s
			}
		}
	}, paths...)

	if decErr != nil {
		return Record{}, decErr
	}
	for i, ok := range seen {
		if !ok {
			return Record{}, &FieldError{Field: names[i], Err: ErrMissingField}
		}
	}
	return rec, nil
}

func parseString(value []byte, vt jsonparser.ValueType) (string, error) {
	if vt != jsonparser.String {
		return "", fmt.Errorf("%w: want string, got %s", ErrFieldType, vt)
	}
	return jsonparser.ParseString(value)
}

func parseInt(value []byte, vt jsonparser.ValueType) (int64, error) {
	if vt != jsonparser.Number {
		return 0, fmt.Errorf("%w: want number, got %s", ErrFieldType, vt)
	}
	n, err := jsonparser.ParseInt(value)
	if err != nil {
		// Some dumps store scores as 1.0; accept integral floats.
		f, ferr := jsonparser.ParseFloat(value)
		if ferr != nil || f != float64(int64(f)) {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrFieldType, strings.TrimSpace(string(value)))
		}
		return int64(f), nil
	}
	return n, nil
}
