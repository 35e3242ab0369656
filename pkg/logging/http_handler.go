// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"fmt"
	"net/http"
)

type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// LogRoutes exposes the dynamic log-level endpoints.
var LogRoutes = [2]Route{
	{"GET", "/loglevel", LogLevelGet},
	{"POST", "/loglevel", LogLevelSet},
}

// LogLevelGet handles a loglevel GET request.
func LogLevelGet(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, LogLevel())
}

// LogLevelSet sets the loglevel from a posted form.
// Can be triggered like curl -F level=debug <server>/loglevel
func LogLevelSet(w http.ResponseWriter, r *http.Request) {
	currentLevel := LogLevel()
	err := r.ParseMultipartForm(128)
	if err != nil {
		http.Error(w, "Incorrect form data", http.StatusBadRequest)
		return
	}
	newLevel := r.FormValue("level")
	if err := SetLogLevel(newLevel); err != nil {
		http.Error(w, fmt.Sprintf("Incorrect log level %q", newLevel), http.StatusBadRequest)
		return
	}
	fmt.Fprintf(w, "%q -> %q\n", currentLevel, LogLevel())
}
