// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-IP fixed-window limiting for the HTTP
// surface and a dedicated brute-force limiter for device-grant user codes.
package ratelimit

import (
	"time"
)

// Profile selects a limit table. The active profile is a dynamic setting,
// so operators can tighten or relax limits without a restart.
type Profile string

// Known profiles.
const (
	ProfileStrict   Profile = "strict"
	ProfileModerate Profile = "moderate"
	ProfileLenient  Profile = "lenient"
	ProfileLoadTest Profile = "loadTest"
)

// Class groups endpoints that share a limit.
type Class string

// Endpoint classes.
const (
	ClassAuthorize  Class = "authorize"
	ClassToken      Class = "token"
	ClassIntrospect Class = "introspect"
	ClassDevice     Class = "device"
	ClassDefault    Class = "default"
)

type limitSpec struct {
	Requests int
	Window   time.Duration
}

// profiles is the compiled limit table per (profile, class).
var profiles = map[Profile]map[Class]limitSpec{
	ProfileStrict: {
		ClassAuthorize:  {Requests: 10, Window: time.Minute},
		ClassToken:      {Requests: 30, Window: time.Minute},
		ClassIntrospect: {Requests: 60, Window: time.Minute},
		ClassDevice:     {Requests: 10, Window: time.Minute},
		ClassDefault:    {Requests: 60, Window: time.Minute},
	},
	ProfileModerate: {
		ClassAuthorize:  {Requests: 30, Window: time.Minute},
		ClassToken:      {Requests: 120, Window: time.Minute},
		ClassIntrospect: {Requests: 300, Window: time.Minute},
		ClassDevice:     {Requests: 30, Window: time.Minute},
		ClassDefault:    {Requests: 300, Window: time.Minute},
	},
	ProfileLenient: {
		ClassAuthorize:  {Requests: 120, Window: time.Minute},
		ClassToken:      {Requests: 600, Window: time.Minute},
		ClassIntrospect: {Requests: 1200, Window: time.Minute},
		ClassDevice:     {Requests: 120, Window: time.Minute},
		ClassDefault:    {Requests: 1200, Window: time.Minute},
	},
	ProfileLoadTest: {
		ClassAuthorize:  {Requests: 100000, Window: time.Minute},
		ClassToken:      {Requests: 100000, Window: time.Minute},
		ClassIntrospect: {Requests: 100000, Window: time.Minute},
		ClassDevice:     {Requests: 100000, Window: time.Minute},
		ClassDefault:    {Requests: 100000, Window: time.Minute},
	},
}

// ParseProfile maps a setting value to a known profile, defaulting to
// moderate.
func ParseProfile(raw string) Profile {
	switch Profile(raw) {
	case ProfileStrict, ProfileModerate, ProfileLenient, ProfileLoadTest:
		return Profile(raw)
	default:
		return ProfileModerate
	}
}

func specFor(profile Profile, class Class) limitSpec {
	classes, ok := profiles[profile]
	if !ok {
		classes = profiles[ProfileModerate]
	}
	if spec, ok := classes[class]; ok {
		return spec
	}
	return classes[ClassDefault]
}
