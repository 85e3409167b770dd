// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dns

import (
	"errors"
	"fmt"

	"golang.org/x/net/dns/dnsmessage"
)

var (
	// ErrMalformedMessage is returned when a DNS message ends before a field it declares.
	ErrMalformedMessage = errors.New("malformed DNS message")
	// ErrMalformedName is returned when a domain name in a DNS message cannot be decoded, including
	// compression pointer loops and names longer than 255 octets.
	ErrMalformedName = errors.New("malformed DNS name")
)

// AnswerLengthError is returned when the length prefix of an answer doesn't match its size.
type AnswerLengthError struct {
	Declared int
	Actual   int
}

func (e *AnswerLengthError) Error() string {
	return fmt.Sprintf("answer length %d does not match the declared length %d", e.Actual, e.Declared)
}

// AnswerIDError is returned when the answer transaction ID doesn't match the question's.
type AnswerIDError struct {
	Question uint16
	Answer   uint16
}

func (e *AnswerIDError) Error() string {
	return fmt.Sprintf("answer ID %#04x does not match question ID %#04x", e.Answer, e.Question)
}

// AnswerFlagError is returned when the answer is not a complete response to a standard query.
type AnswerFlagError struct {
	Flags uint16
}

func (e *AnswerFlagError) Error() string {
	return fmt.Sprintf("invalid answer flags %#04x", e.Flags)
}

// AnswerCountError is returned when the answer doesn't carry exactly one question.
type AnswerCountError struct {
	QDCount uint16
}

func (e *AnswerCountError) Error() string {
	return fmt.Sprintf("answer has %d questions, expected 1", e.QDCount)
}

// AnswerQuestionError is returned when the question echoed in the answer is not the one that was asked.
type AnswerQuestionError struct {
	Name  string
	Type  dnsmessage.Type
	Class dnsmessage.Class
}

func (e *AnswerQuestionError) Error() string {
	return fmt.Sprintf("answer question %v %v %v does not match the request", e.Name, e.Type, e.Class)
}

// AnswerResourceDataLengthError is returned when an address record has the wrong data length.
type AnswerResourceDataLengthError struct {
	Type   dnsmessage.Type
	Length int
}

func (e *AnswerResourceDataLengthError) Error() string {
	return fmt.Sprintf("invalid %v record data length %d", e.Type, e.Length)
}

// AnswerTimeoutError is returned when the DNS server goes silent for longer than the answer timeout.
type AnswerTimeoutError struct {
	Host   string
	Family Family
	Err    error
}

func (e *AnswerTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for the %v answer for %v", e.Family, e.Host)
}

func (e *AnswerTimeoutError) Unwrap() error { return e.Err }

// Timeout reports true, for compatibility with [net.Error].
func (e *AnswerTimeoutError) Timeout() bool { return true }

// PinError is returned when the DNS server public key doesn't match the configured pin.
type PinError struct {
	Want string
	Got  string
}

func (e *PinError) Error() string {
	return fmt.Sprintf("certificate pin mismatch: expected %v, got %v", e.Want, e.Got)
}

// NoAddressError is returned when a host has neither IPv6 nor IPv4 addresses.
type NoAddressError struct {
	Host string
	// Lookup failures of the individual address families, if any.
	Err error
}

func (e *NoAddressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no address found for %v: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("no address found for %v", e.Host)
}

func (e *NoAddressError) Unwrap() error { return e.Err }

// DNSModeError is returned when resolving with a mode that has no transport.
type DNSModeError struct {
	Mode string
}

func (e *DNSModeError) Error() string {
	return fmt.Sprintf("unsupported DNS mode %q", e.Mode)
}
