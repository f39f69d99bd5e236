package lsp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameMultiple(t *testing.T) {
	var buf bytes.Buffer
	first := []byte(`{"id":1}`)
	second := []byte(`{"id":2}`)
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	reader := bufio.NewReader(&buf)

	got, err := ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = ReadFrame(reader)
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = ReadFrame(reader)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameSkipsUnknownHeaders(t *testing.T) {
	raw := "Content-Type: application/vscode-jsonrpc\r\nContent-Length: 8\r\n\r\n{\"id\":3}"

	got, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"id":3}`), got)
}

func TestReadFrameMissingContentLength(t *testing.T) {
	raw := "Content-Type: application/vscode-jsonrpc\r\n\r\n{}"

	_, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Content-Length")
}

func TestReadFrameRejectsOversizedBody(t *testing.T) {
	raw := "Content-Length: 999999999\r\n\r\n"

	_, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	raw := "Content-Length: 50\r\n\r\n{\"id\":1}"

	_, err := ReadFrame(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
}
