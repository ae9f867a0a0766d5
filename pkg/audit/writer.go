package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
)

// WriterSink appends one line per event to w:
//
//	2006-01-02 15:04:05 | user | TYPE | details
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink writing to w. Callers own w and close it.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes e as a single line.
func (s *WriterSink) Emit(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, FormatLine(e)+"\n"); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	return nil
}

// FormatLine renders e in the append-only log format.
func FormatLine(e Event) string {
	return strings.Join([]string{
		e.Timestamp.Format(TimeLayout),
		e.UserID,
		string(e.Type),
		oneLine(e.Details),
	}, " | ")
}

// FormatTable writes events as an aligned operator table.
func FormatTable(w io.Writer, events []Event) error {
	if len(events) == 0 {
		_, err := io.WriteString(w, "no audit events recorded\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tTYPE\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(TimeLayout), e.UserID, e.Type, oneLine(e.Details))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
