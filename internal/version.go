// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package internal

import (
	"fmt"
	"strconv"
	"time"
)

var (
	commitVersion string = "v0.3.0" // updated during build
	commitDate    string = ""       // commit date in Epoch seconds, filled in during build
)

// GetVersion returns the version and, when set, the commit date.
func GetVersion() string {
	msg := commitVersion
	if commitDate != "" {
		seconds, _ := strconv.Atoi(commitDate)
		t := time.Unix(int64(seconds), 0)
		msg += fmt.Sprintf(", date: %s", t.Format("2006-01-02"))
	}
	return msg
}

// PrintVersion prints the version to stdout.
func PrintVersion() {
	fmt.Printf("%s\n", GetVersion())
}
