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

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		{
			Type: CON, Code: GET, MID: 0x1234, Token: Token{0xAA},
			Options: Options{NewStringOption(URIPath, "basic")},
		},
		{
			Type: ACK, Code: Content, MID: 0x0007, Token: Token{},
			Options: Options{
				NewUintOption(ContentFormat, 0),
				NewUintOption(Observe, 5),
			},
			Payload: []byte("Basic Resource"),
		},
		{
			Type: CON, Code: POST, MID: 1, Token: NewToken(8),
			Options: Options{
				NewStringOption(URIPath, "big"),
				NewUintOption(Block1, 0x0a),
				NewStringOption(URIQuery, "x=1"),
				NewStringOption(URIQuery, "y=2"),
			},
			Payload: make([]byte, 300),
		},
		{
			Type: ACK, Code: Empty, MID: 42,
		},
	}

	for i, want := range cases {
		raw, err := Encode(want)
		require.NoErrorf(t, err, "case %d encode", i)

		got, err := Decode(raw, ep(1), ep(2))
		require.NoErrorf(t, err, "case %d decode", i)

		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.Code, got.Code)
		require.Equal(t, want.MID, got.MID)
		require.True(t, want.Token.Equal(got.Token), "case %d token mismatch: %s != %s", i, want.Token, got.Token)
		require.Equal(t, want.Payload, got.Payload)

		wantOpts := append(Options(nil), want.Options...)
		wantOpts.Sort()
		require.Equal(t, len(wantOpts), len(got.Options), "case %d option count", i)
		for j := range wantOpts {
			require.Equal(t, wantOpts[j].Number, got.Options[j].Number, "case %d option %d number", i, j)
			require.Equal(t, wantOpts[j].Value, got.Options[j].Value, "case %d option %d value", i, j)
		}
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{0x40, 0x01}, ep(1), ep(2))
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrMalformed, cerr.Kind)
}

func TestDecodeIllegalTokenLength(t *testing.T) {
	b := []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	_, err := Decode(b, ep(1), ep(2))
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrOption, cerr.Kind)
	require.Equal(t, BadRequest, cerr.ResponseCode())
}

func TestDecodeUnknownCriticalOption(t *testing.T) {
	m := &Message{Type: CON, Code: GET, MID: 1, Options: Options{{Number: 9, Value: []byte{1}}}}
	raw, err := Encode(m)
	require.NoError(t, err)
	_, err = Decode(raw, ep(1), ep(2))
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrOption, cerr.Kind)
	require.Equal(t, BadOption, cerr.ResponseCode())
}

func TestDecodePayloadMarkerWithoutPayload(t *testing.T) {
	b := []byte{0x40, 0x01, 0x00, 0x01, 0xFF}
	_, err := Decode(b, ep(1), ep(2))
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrOption, cerr.Kind)
}

func TestOptionExtendedLength(t *testing.T) {
	longVal := make([]byte, 300)
	for i := range longVal {
		longVal[i] = byte(i)
	}
	m := &Message{Type: NON, Code: PUT, MID: 9, Options: Options{NewOpaqueOption(ProxyURI, longVal)}}
	raw, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(raw, ep(1), ep(2))
	require.NoError(t, err)
	opt, ok := got.Options.Get(ProxyURI)
	require.True(t, ok)
	require.Equal(t, longVal, opt.Value)
}

func TestEmptyMessageInvariant(t *testing.T) {
	m := &Message{Type: ACK, Code: Empty, MID: 1, Token: Token{1}}
	_, err := Encode(m)
	require.Error(t, err)
}
