// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tlsfrag

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// ErrNoSNI is returned by [GetSNI] when the Client Hello has no host name in the server_name extension.
var ErrNoSNI = errors.New("no SNI in Client Hello")

const (
	handshakeTypeClientHello uint8  = 1
	extensionServerName      uint16 = 0
	nameTypeHostName         uint8  = 0
)

// GetSNI accepts the first record of a TLS connection and returns the server name indicated
// by the Client Hello.
// Derived from unmarshal() in crypto/tls.
func GetSNI(record []byte) (string, error) {
	plaintext := cryptobyte.String(record)

	var s cryptobyte.String
	var contentType uint8
	// Skip uint16 ProtocolVersion
	if !plaintext.ReadUint8(&contentType) || contentType != recordTypeHandshake ||
		!plaintext.Skip(2) || !plaintext.ReadUint16LengthPrefixed(&s) {
		return "", errors.New("bad TLSPlaintext")
	}

	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != handshakeTypeClientHello || !s.ReadUint24LengthPrefixed(&body) {
		return "", errors.New("bad handshake message")
	}

	// Skip uint16 version and 32 byte random.
	var sessionID cryptobyte.String
	if !body.Skip(2+32) || !body.ReadUint8LengthPrefixed(&sessionID) {
		return "", errors.New("bad Client Hello")
	}

	var cipherSuites cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", errors.New("bad ciphersuites")
	}

	var compressionMethods cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", errors.New("bad compression methods")
	}

	if body.Empty() {
		// ClientHello is optionally followed by extension data
		return "", ErrNoSNI
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) || !body.Empty() {
		return "", errors.New("bad extensions")
	}

	for !extensions.Empty() {
		var extension uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extension) ||
			!extensions.ReadUint16LengthPrefixed(&extData) {
			return "", errors.New("bad extension")
		}
		if extension != extensionServerName {
			continue
		}
		// RFC 6066, Section 3
		var nameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&nameList) || nameList.Empty() {
			return "", errors.New("bad server name list")
		}
		for !nameList.Empty() {
			var nameType uint8
			var serverName cryptobyte.String
			if !nameList.ReadUint8(&nameType) ||
				!nameList.ReadUint16LengthPrefixed(&serverName) ||
				serverName.Empty() {
				return "", errors.New("bad SNI")
			}
			if nameType == nameTypeHostName {
				return string(serverName), nil
			}
		}
	}
	return "", ErrNoSNI
}
