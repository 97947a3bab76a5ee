// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import "time"

// Window is a fixed rate limiting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Usage is a caller's consumption of one window.
type Usage struct {
	Window    Window    `json:"window"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Result is the outcome of Allow.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Usages     []Usage       `json:"usages"`
	RetryAfter time.Duration `json:"-"`
}

// Tightest returns the usage with the fewest remaining requests.
func (r *Result) Tightest() *Usage {
	var tightest *Usage
	for i := range r.Usages {
		u := &r.Usages[i]
		if tightest == nil || u.Remaining < tightest.Remaining {
			tightest = u
		}
	}
	return tightest
}
