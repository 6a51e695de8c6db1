// Package apierror turns failures into the single error document every API
// response uses: {"errors":[{"status":..,"title":..,"detail":..}]}.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ContentType is sent with every error document.
const ContentType = "application/vnd.api+json"

const genericDetail = "An unexpected error occurred"

// Error is one normalized failure.
type Error struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Document is the response body for failed requests.
type Document struct {
	Errors []Error `json:"errors"`
}

// Status is the HTTP status of the response carrying d: the status of its
// first error.
func (d Document) Status() int {
	if len(d.Errors) == 0 || d.Errors[0].Status <= 0 {
		return http.StatusInternalServerError
	}
	return d.Errors[0].Status
}

// The optional interfaces an error may implement to control its rendering.
type (
	statusCoder interface{ StatusCode() int }
	titler      interface{ Title() string }
	kinder      interface{ Kind() string }
	detailer    interface{ Detail() string }
)

// Normalize converts errs into a Document. Nil errors are skipped; an empty
// input yields one generic internal error.
func Normalize(errs ...error) Document {
	doc := Document{Errors: make([]Error, 0, len(errs))}
	for _, err := range errs {
		if err == nil {
			continue
		}
		doc.Errors = append(doc.Errors, normalizeOne(err))
	}
	if len(doc.Errors) == 0 {
		doc.Errors = append(doc.Errors, Error{
			Status: http.StatusInternalServerError,
			Title:  http.StatusText(http.StatusInternalServerError),
			Detail: genericDetail,
		})
	}
	return doc
}

func normalizeOne(err error) Error {
	out := Error{Status: http.StatusInternalServerError}

	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		out.Status = sc.StatusCode()
	}

	var t titler
	if errors.As(err, &t) {
		out.Title = strings.TrimSpace(t.Title())
	}
	var k kinder
	if out.Title == "" && errors.As(err, &k) {
		out.Title = strings.TrimSpace(k.Kind())
	}
	if out.Title == "" {
		out.Title = http.StatusText(out.Status)
	}
	if out.Title == "" {
		out.Title = "Error"
	}

	var d detailer
	if errors.As(err, &d) {
		out.Detail = strings.TrimSpace(d.Detail())
	}
	if out.Detail == "" {
		out.Detail = strings.TrimSpace(err.Error())
	}
	if out.Detail == "" {
		out.Detail = genericDetail
	}
	return out
}

// Write normalizes errs and writes the document with the status of the first
// error.
func Write(w http.ResponseWriter, errs ...error) {
	WriteDocument(w, Normalize(errs...))
}

func WriteDocument(w http.ResponseWriter, doc Document) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(doc.Status())
	_ = json.NewEncoder(w).Encode(doc)
}

// New builds an error with an explicit status, title and detail.
func New(status int, title, detail string) error {
	return &statusError{status: status, title: title, detail: detail}
}

type statusError struct {
	status int
	title  string
	detail string
}

func (e *statusError) Error() string   { return e.detail }
func (e *statusError) StatusCode() int { return e.status }
func (e *statusError) Title() string   { return e.title }
func (e *statusError) Detail() string  { return e.detail }

// WithDetail keeps err's status, title and kind but replaces the detail
// shown to the client.
func WithDetail(err error, detail string) error {
	if err == nil {
		return nil
	}
	return &detailOverride{err: err, detail: detail}
}

type detailOverride struct {
	err    error
	detail string
}

func (e *detailOverride) Error() string  { return e.err.Error() }
func (e *detailOverride) Unwrap() error  { return e.err }
func (e *detailOverride) Detail() string { return e.detail }
