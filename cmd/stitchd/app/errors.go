// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"log/slog"
	"net/http"
)

type errorWithHttpType struct {
	msg        string
	statusCode int
}

func (e errorWithHttpType) Error() string {
	return e.msg
}

func generateAndLogHttpError(log *slog.Logger, msg string, statusCode int) *errorWithHttpType {
	log.Error(msg)
	return &errorWithHttpType{msg, statusCode}
}

func writeHttpError(w http.ResponseWriter, err *errorWithHttpType) {
	http.Error(w, err.msg, err.statusCode)
}
