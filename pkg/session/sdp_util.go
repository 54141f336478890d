package session

import (
	"github.com/pion/sdp/v3"

	"github.com/arzzra/voip_core/pkg/media_sdp"
)

// withDirection возвращает копию SDP с замененным направлением потока.
// Используется для re-INVITE hold/resume: тело повторяет последний
// локальный SDP, меняется только атрибут направления.
func withDirection(sess *sdp.SessionDescription, dir media_sdp.Direction) *sdp.SessionDescription {
	out := *sess
	out.Attributes = replaceDirectionAttrs(sess.Attributes, dir, false)

	mds := make([]*sdp.MediaDescription, len(sess.MediaDescriptions))
	for i, md := range sess.MediaDescriptions {
		c := *md
		c.Attributes = replaceDirectionAttrs(md.Attributes, dir, true)
		mds[i] = &c
	}
	out.MediaDescriptions = mds
	return &out
}

func replaceDirectionAttrs(attrs []sdp.Attribute, dir media_sdp.Direction, add bool) []sdp.Attribute {
	out := make([]sdp.Attribute, 0, len(attrs)+1)
	replaced := false
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			if !replaced {
				out = append(out, sdp.NewPropertyAttribute(dir.String()))
				replaced = true
			}
		default:
			out = append(out, a)
		}
	}
	if !replaced && add {
		out = append(out, sdp.NewPropertyAttribute(dir.String()))
	}
	return out
}

// sdpDirection извлекает направление из тела SDP запроса
func sdpDirection(body []byte) (media_sdp.Direction, error) {
	sess, err := media_sdp.ParseSDP(body)
	if err != nil {
		return media_sdp.DirectionSendRecv, err
	}
	for _, md := range sess.MediaDescriptions {
		for _, key := range []string{"sendonly", "recvonly", "inactive", "sendrecv"} {
			if _, ok := md.Attribute(key); ok {
				return media_sdp.ParseDirection(key), nil
			}
		}
	}
	for _, key := range []string{"sendonly", "recvonly", "inactive", "sendrecv"} {
		if _, ok := sess.Attribute(key); ok {
			return media_sdp.ParseDirection(key), nil
		}
	}
	return media_sdp.DirectionSendRecv, nil
}
