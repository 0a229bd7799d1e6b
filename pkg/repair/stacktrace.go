package repair

import (
	"regexp"
	"strconv"
	"strings"
)

// Frame is one extracted stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Function string `json:"function,omitempty"`
}

var (
	// at funcName (path/to/file.js:12:34)  /  at path/to/file.js:12:34
	nodeFrameRe = regexp.MustCompile(`\bat (?:([\w.<>\[\] ]+) \()?([^():\s]+):(\d+)(?::(\d+))?\)?`)

	// File "path/to/file.py", line 12, in func
	pythonFrameRe = regexp.MustCompile(`File "([^"]+)", line (\d+)(?:, in (\S+))?`)

	// at com.example.Class.method(Class.java:42)
	javaFrameRe = regexp.MustCompile(`at ([\w.$]+)\(([\w$]+\.(?:java|kt|scala)):(\d+)\)`)
)

// ParseStackTrace extracts frames from Node, Python, and Java style traces,
// in log order. Frames pointing into dependency directories are dropped.
func ParseStackTrace(logText string) []Frame {
	var frames []Frame

	for _, m := range pythonFrameRe.FindAllStringSubmatch(logText, -1) {
		line, _ := strconv.Atoi(m[2])
		frames = append(frames, Frame{File: m[1], Line: line, Function: m[3]})
	}

	for _, m := range javaFrameRe.FindAllStringSubmatch(logText, -1) {
		line, _ := strconv.Atoi(m[3])
		frames = append(frames, Frame{File: m[2], Line: line, Function: m[1]})
	}

	// Node last: its pattern is the loosest and would otherwise shadow the
	// Java frames, which also start with "at ".
	if len(frames) == 0 {
		for _, m := range nodeFrameRe.FindAllStringSubmatch(logText, -1) {
			line, _ := strconv.Atoi(m[3])
			col := 0
			if m[4] != "" {
				col, _ = strconv.Atoi(m[4])
			}
			frames = append(frames, Frame{File: m[2], Line: line, Column: col, Function: m[1]})
		}
	}

	return filterVendorFrames(frames)
}

var vendorDirs = []string{"node_modules/", "site-packages/", ".cargo/", "vendor/", "/usr/lib/"}

func filterVendorFrames(frames []Frame) []Frame {
	var out []Frame
	for _, f := range frames {
		vendored := false
		for _, dir := range vendorDirs {
			if strings.Contains(f.File, dir) {
				vendored = true
				break
			}
		}
		if !vendored {
			out = append(out, f)
		}
	}
	return out
}
