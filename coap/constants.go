/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coap

import "time"

// Timing constants from spec.md section 6 (RFC 7252 section 4.8).
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	NStart           = 1
	DefaultLeisure   = 5 * time.Second
	ProbingRateBytes = 1 // bytes/second
	ExchangeLifetime = 247 * time.Second
	MaxTransmitSpan  = 45 * time.Second
)

// DefaultPort is the standard unencrypted CoAP UDP port.
const DefaultPort = 5683

// DefaultTLSPort is the coaps port; DTLS itself is out of scope
// (spec.md section 1's non-goals).
const DefaultTLSPort = 5684

// PurgeInterval is how often the reliability layer sweeps stale exchange
// records. spec.md section 9 flags that the original runs this sweep every
// ExchangeLifetime while comparing ages against ExchangeLifetime, which lets
// a record live almost 2x the lifetime before being swept; this stack halves
// the interval so memory is bounded to within one lifetime.
const PurgeInterval = ExchangeLifetime / 2
