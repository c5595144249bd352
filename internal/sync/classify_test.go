package sync

import (
	"testing"

	"github.com/matheus3301/yarsha/internal/store"
)

func TestClassifierType(t *testing.T) {
	c := MustClassifier(nil)

	tests := []struct {
		name string
		msg  store.Message
		want store.MessageType
	}{
		{
			name: "image attachment",
			msg:  store.Message{Multimedia: []store.Media{{MimeType: "image/png"}}, Content: "x"},
			want: store.TypeImage,
		},
		{
			name: "giphy url",
			msg:  store.Message{Content: "https://media.giphy.com/media/abc/giphy.gif"},
			want: store.TypeGIF,
		},
		{
			name: "video attachment beats gif url",
			msg:  store.Message{Multimedia: []store.Media{{MimeType: "video/mp4"}}, Content: "https://media.giphy.com/media/abc"},
			want: store.TypeVideo,
		},
		{
			name: "image wins over video in mixed attachments",
			msg:  store.Message{Multimedia: []store.Media{{MimeType: "video/mp4"}, {MimeType: "IMAGE/JPEG"}}},
			want: store.TypeImage,
		},
		{
			name: "other attachment is a file",
			msg:  store.Message{Multimedia: []store.Media{{MimeType: "application/pdf"}}},
			want: store.TypeFile,
		},
		{
			name: "tenor link inside text",
			msg:  store.Message{Content: "lol https://TENOR.com/view/cat-123"},
			want: store.TypeGIF,
		},
		{
			name: "plain text",
			msg:  store.Message{Content: "see you at giphy headquarters"},
			want: store.TypeText,
		},
		{
			name: "gif filename outside a cdn path",
			msg:  store.Message{Content: "I renamed the export to report.gif check the drive"},
			want: store.TypeText,
		},
		{
			name: "gif url on an unknown host",
			msg:  store.Message{Content: "https://example.com/funny.gif"},
			want: store.TypeText,
		},
		{
			name: "transaction overrides attachments",
			msg: store.Message{
				Multimedia:  []store.Media{{MimeType: "image/png"}},
				Transaction: &store.Transaction{Signature: "sig"},
			},
			want: store.TypeTransaction,
		},
		{
			name: "empty message",
			msg:  store.Message{},
			want: store.TypeText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Type(&tt.msg); got != tt.want {
				t.Errorf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifierCustomPatterns(t *testing.T) {
	c, err := NewClassifier([]string{"*gifs.example.com/*"})
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsGIF("https://gifs.example.com/abc") {
		t.Error("custom pattern did not match")
	}
	if c.IsGIF("https://media.giphy.com/media/abc") {
		t.Error("default patterns should not apply when custom ones are given")
	}
}

func TestClassifierRejectsBadPattern(t *testing.T) {
	if _, err := NewClassifier([]string{"[unclosed"}); err == nil {
		t.Error("expected compile error for malformed pattern")
	}
}
