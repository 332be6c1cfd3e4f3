package feed

import (
	"context"
	"image"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *motion.TargetLock
		wantErr bool
	}{
		{
			name: "lock",
			in:   `{"lock":true,"x":400,"y":200,"confidence":0.8,"frame_width":640,"frame_height":480,"track_id":3}`,
			want: &motion.TargetLock{Center: image.Pt(400, 200), Confidence: 0.8, TrackID: 3},
		},
		{
			name: "lock with lead and timestamp",
			in:   `{"lock":true,"x":400,"y":200,"lead_x":420,"lead_y":190,"confidence":1,"frame_width":640,"frame_height":480,"ts_ms":1772366400000}`,
			want: &motion.TargetLock{
				Center:     image.Pt(400, 200),
				Lead:       &image.Point{X: 420, Y: 190},
				Confidence: 1,
				DetectedAt: time.UnixMilli(1772366400000),
			},
		},
		{
			name: "no lock",
			in:   `{"lock":false,"frame_width":640,"frame_height":480}`,
			want: nil,
		},
		{name: "missing frame size", in: `{"lock":true,"x":1,"y":1}`, wantErr: true},
		{name: "half a lead point", in: `{"lock":true,"lead_x":3,"frame_width":640,"frame_height":480}`, wantErr: true},
		{name: "not json", in: `x=1,y=2`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, m.TargetLock()); diff != "" {
				t.Errorf("TargetLock() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type call struct {
	lock *motion.TargetLock
	w, h int
}

func TestListener_DeliversDatagrams(t *testing.T) {
	var mu sync.Mutex
	var calls []call
	l := NewListener("127.0.0.1:0", 0, func(lock *motion.TargetLock, w, h int) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{lock, w, h})
	})
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{
		`{"lock":true,"x":100,"y":50,"confidence":0.9,"frame_width":320,"frame_height":240}`,
		`garbage`,
		`{"lock":false,"frame_width":320,"frame_height":240}`,
	} {
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, calls[0].lock)
	assert.Equal(t, image.Pt(100, 50), calls[0].lock.Center)
	assert.Equal(t, 320, calls[0].w)
	assert.Nil(t, calls[1].lock)
	assert.Equal(t, Stats{Received: 2, Rejected: 1}, l.Stats())
}

func TestListener_ServeBeforeListen(t *testing.T) {
	l := NewListener(":0", 0, func(*motion.TargetLock, int, int) {})
	assert.Error(t, l.Serve(context.Background()))
	assert.Nil(t, l.Addr())
}
