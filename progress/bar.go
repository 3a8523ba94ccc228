// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package progress

import (
	"io"

	progressbar "github.com/cheggaaa/pb/v3"
)

// Bar renders collection progress as a console progress bar.
type Bar struct {
	writer io.Writer
	bar    *progressbar.ProgressBar
}

// NewBar creates a console bar reporter writing to writer.
func NewBar(writer io.Writer) *Bar {
	return &Bar{writer: writer}
}

// Start implements Reporter.
func (reporter *Bar) Start() {
	reporter.bar = progressbar.New64(0).SetWriter(reporter.writer)
	reporter.bar.Start()
}

// Report implements Reporter.
func (reporter *Bar) Report(event Event) {
	if reporter.bar == nil {
		return
	}
	if total := int64(event.Total); total > reporter.bar.Total() {
		reporter.bar.SetTotal(total)
	}
	reporter.bar.SetCurrent(int64(event.Current))
	if event.Message != "" {
		reporter.bar.Set("prefix", event.AdapterName+" "+event.Message+" ")
	} else {
		reporter.bar.Set("prefix", event.AdapterName+" ")
	}
}

// Finish implements Reporter.
func (reporter *Bar) Finish(success bool) {
	if reporter.bar == nil {
		return
	}
	reporter.bar.Finish()
	reporter.bar = nil
}
