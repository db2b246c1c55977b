package codec

import "encoding/base64"

// PCMToBase64 returns the standard, unwrapped base64 encoding of raw
// PCM bytes, as carried over the control channel.
func PCMToBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// Base64ToPCM decodes a standard base64 string back into raw PCM bytes.
func Base64ToPCM(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
