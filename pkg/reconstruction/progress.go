package reconstruction

import (
	"fmt"
	"strings"
	"time"
)

// ProgressCallback reports progress while rounds are issued. A non-empty
// message with total 0 is informational; otherwise completed of total rounds
// have been issued.
type ProgressCallback func(completed, total int, message string)

// SetProgressCallback installs a callback for progress reports. With no
// callback, a verbose runner prints a progress bar and a quiet one prints
// nothing.
//
// Example usage:
//
//	r.SetProgressCallback(func(completed, total int, message string) {
//		if message != "" {
//			fmt.Println(message)
//		} else if total > 0 {
//			fmt.Printf("\rRound %d/%d", completed, total)
//		}
//	})
func (r *Runner) SetProgressCallback(callback ProgressCallback) {
	r.progressCallback = callback
}

// reportProgress forwards to the callback, or prints when verbose
func (r *Runner) reportProgress(completed, total int, message string) {
	if r.progressCallback != nil {
		r.progressCallback(completed, total, message)
		return
	}
	if !r.opts.Verbose {
		return
	}
	if total == 0 {
		if message != "" {
			fmt.Println(message)
		}
		return
	}
	fmt.Print(progressLine(completed, total, time.Since(r.startTime), message))
	if completed >= total {
		fmt.Println()
	}
}

// progressLine renders a 40-column bar with elapsed and remaining time
func progressLine(completed, total int, elapsed time.Duration, message string) string {
	const width = 40
	percentage := float64(completed) / float64(total) * 100
	numBars := int(percentage / 100 * width)

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < numBars:
			bar.WriteString("█")
		case i == numBars:
			bar.WriteString("▓")
		default:
			bar.WriteString("░")
		}
	}
	bar.WriteString("]")

	status := ""
	if message != "" {
		status = " | " + message
	}
	if completed == 0 {
		return fmt.Sprintf("\r%s %.1f%% (%d/%d)%s", bar.String(), percentage, completed, total, status)
	}

	remaining := 0.0
	if completed < total {
		remaining = elapsed.Seconds() / float64(completed) * float64(total-completed)
	}
	return fmt.Sprintf("\r%s %.1f%% (%d/%d) [%.1fs elapsed | %s remaining%s]",
		bar.String(), percentage, completed, total, elapsed.Seconds(), formatRemaining(remaining), status)
}

func formatRemaining(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.1fs", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fh", seconds/3600)
	}
}
