package syslogrecv

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMessageRFC3164(t *testing.T) {
	ev := parseMessage("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8", "127.0.0.1:1")
	priority, _ := ev.Fields["priority"].Int()
	require.Equal(t, int64(34), priority)
	facility, _ := ev.Fields["facility"].Int()
	require.Equal(t, int64(4), facility)
	facilityName, _ := ev.Fields["facility_name"].String()
	require.Equal(t, "auth", facilityName)
	severity, _ := ev.Fields["severity"].Int()
	require.Equal(t, int64(2), severity)
	hostname, _ := ev.Fields["hostname"].String()
	require.Equal(t, "mymachine", hostname)
	rfc, _ := ev.Fields["rfc"].String()
	require.Equal(t, "rfc3164", rfc)
}

func TestParseMessageRFC5424WithStructuredData(t *testing.T) {
	ev := parseMessage(`<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog - ID47 [exampleSDID@32473 iut="3" eventSource="Application"] An application event log entry`, "127.0.0.1:1")
	rfc, _ := ev.Fields["rfc"].String()
	require.Equal(t, "rfc5424", rfc)
	hostname, _ := ev.Fields["hostname"].String()
	require.Equal(t, "mymachine.example.com", hostname)
	msg, _ := ev.Fields["message"].String()
	require.Equal(t, "An application event log entry", msg)
	sd, ok := ev.Fields["structured_data"].Map()
	require.True(t, ok)
	elem, ok := sd["exampleSDID@32473"].Map()
	require.True(t, ok)
	iut, _ := elem["iut"].String()
	require.Equal(t, "3", iut)
}

func TestUDPReceiveAndCollect(t *testing.T) {
	s := New(Config{BindAddress: "127.0.0.1", Port: 0, Protocol: "udp"}, nil)

	ln, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, ln.Close())
	s.cfg.Port = port

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	defer s.Cleanup(ctx)

	conn, err := net.Dial("udp", "127.0.0.1"+":"+strconv.Itoa(port))
	require.NoError(t, err)
	_, err = conn.Write([]byte("<13>Jan  1 00:00:00 host proc[1]: test message"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		events, err := s.CollectEvents(ctx)
		require.NoError(t, err)
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)
}
