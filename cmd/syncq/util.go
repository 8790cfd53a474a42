package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loykin/syncq"
)

type recordView struct {
	ID         int64      `json:"id"`
	Owner      string     `json:"owner"`
	Payload    string     `json:"payload"`
	CapturedAt time.Time  `json:"captured_at"`
	Uploaded   bool       `json:"uploaded"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

func newRecordView(r syncq.Record) recordView {
	v := recordView{ID: r.ID, Owner: r.Owner, Payload: string(r.Payload), CapturedAt: r.CapturedAt, Uploaded: r.Uploaded}
	if r.UploadedAt.Valid {
		t := r.UploadedAt.Time
		v.UploadedAt = &t
	}
	return v
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}
