package client

import (
	"errors"
	"io"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// watchRTCP drains feedback from one RTP sender and surfaces keyframe
// requests. The read loop must run even when nobody cares about the
// feedback; pion drops the interceptors' reports on the floor otherwise.
func watchRTCP(sender *webrtc.RTPSender, onKeyFrameRequest func(), logger *zap.SugaredLogger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debugw("rtcp reader stopped", "error", err)
			}
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if onKeyFrameRequest != nil {
					onKeyFrameRequest()
				}
			}
		}
	}
}
