// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// IPRequestLimiter limits the number of viewer requests per IP and interval.
// Addresses inside the whitelist CIDR blocks are never limited.
type IPRequestLimiter struct {
	MaxNrRequests   int            `json:"maxNrRequests"`
	Interval        time.Duration  `json:"interval"`
	ResetTime       time.Time      `json:"resetTime"`
	Counters        map[string]int `json:"counters"`
	WhiteListBlocks string         `json:"whiteListBlocks"`
	logFile         string
	mux             sync.Mutex
	cidrBlocks      []*net.IPNet
}

// NewIPRequestLimiter returns a limiter with maxNrRequests per interval
// starting now. If logFile is set, counters are dumped there at the end of
// each interval.
func NewIPRequestLimiter(maxNrRequests int, interval time.Duration, start time.Time,
	whiteListBlocks, logFile string) (*IPRequestLimiter, error) {
	var cidrBlocks []*net.IPNet
	if whiteListBlocks != "" {
		blocks := strings.Split(whiteListBlocks, ",")
		cidrBlocks = make([]*net.IPNet, 0, len(blocks))
		for _, cidrBlock := range blocks {
			_, ciBlock, err := net.ParseCIDR(cidrBlock)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR block %s: %w", cidrBlock, err)
			}
			cidrBlocks = append(cidrBlocks, ciBlock)
		}
	}
	return &IPRequestLimiter{
		MaxNrRequests:   maxNrRequests,
		Interval:        interval,
		ResetTime:       start,
		Counters:        make(map[string]int),
		WhiteListBlocks: whiteListBlocks,
		logFile:         logFile,
		cidrBlocks:      cidrBlocks,
	}, nil
}

// NewLimiterMiddleware limits requests per IP address and interval,
// responding 429 Too Many Requests past the budget. The hdrName header
// reports the current count and maximum.
func NewLimiterMiddleware(hdrName string, reqLimiter *IPRequestLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ip, err := ipFromRequest(r)
			if err != nil {
				http.Error(w, "could not read client IP", http.StatusBadRequest)
				return
			}
			count, maxNr, ok := reqLimiter.Inc(time.Now(), ip)
			if hdrName != "" {
				w.Header().Set(hdrName, fmt.Sprintf("%d (max %d)", count, maxNr))
			}
			if !ok {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Inc increments the counter for ip and reports whether the request is
// within budget. Whitelisted addresses report maxNr -1.
func (il *IPRequestLimiter) Inc(now time.Time, ip string) (nr, maxNr int, ok bool) {
	il.mux.Lock()
	defer il.mux.Unlock()
	if now.Sub(il.ResetTime) > il.Interval {
		if il.logFile != "" {
			il.dump()
		}
		il.Counters = make(map[string]int)
		il.ResetTime = now
	}
	il.Counters[ip]++
	nr = il.Counters[ip]
	maxNr = il.MaxNrRequests
	ok = nr <= maxNr
	if len(il.cidrBlocks) > 0 {
		parsedIP := net.ParseIP(ip)
		for _, cidrBlock := range il.cidrBlocks {
			if cidrBlock.Contains(parsedIP) {
				ok = true
				maxNr = -1
				break
			}
		}
	}
	return nr, maxNr, ok
}

// Count returns the counter value for an IP address.
func (il *IPRequestLimiter) Count(ip string) int {
	il.mux.Lock()
	defer il.mux.Unlock()
	return il.Counters[ip]
}

func (il *IPRequestLimiter) dump() {
	payload, err := json.Marshal(il)
	if err != nil {
		slog.Error("could not marshal IPRequestLimiter", "err", err)
		return
	}
	f, err := os.OpenFile(il.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		slog.Error("could not open IPRequestLimiter log file", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		slog.Error("could not write to IPRequestLimiter log file", "err", err)
	}
}

func ipFromRequest(req *http.Request) (string, error) {
	if forwardIP := req.Header.Get("X-Forwarded-For"); forwardIP != "" {
		return forwardIP, nil
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "", err
	}
	userIP := net.ParseIP(ip)
	if userIP == nil {
		return "", fmt.Errorf("no IP found")
	}
	return userIP.String(), nil
}
