package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/janerikasplund/discord-transcription/internal/transcriber"
)

// Accumulator collects transcript fragments from all speaker streams of one
// session. Appends are unordered; ordering is imposed once, at drain time.
type Accumulator struct {
	mu        sync.Mutex
	fragments []accumulatedFragment
	drained   bool
}

type accumulatedFragment struct {
	fragment    transcriber.Fragment
	speakerName string
}

// Block is a run of contiguous fragments from one speaker in the drained
// document.
type Block struct {
	SpeakerID   string
	SpeakerName string
	Text        string
}

type Document struct {
	Blocks []Block
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Append(speakerName string, f transcriber.Fragment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.drained {
		return
	}
	a.fragments = append(a.fragments, accumulatedFragment{fragment: f, speakerName: speakerName})
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}

// Drain sorts all fragments by start offset (stable, so insertion order breaks
// ties), groups contiguous same-speaker runs into blocks, and clears the
// accumulator. Drain is single-use: a second call returns an empty document.
func (a *Accumulator) Drain() Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.drained {
		return Document{}
	}
	a.drained = true

	frags := a.fragments
	a.fragments = nil
	sort.SliceStable(frags, func(i, j int) bool {
		return frags[i].fragment.Start < frags[j].fragment.Start
	})

	var doc Document
	for _, af := range frags {
		text := af.fragment.Punctuated
		if text == "" {
			text = af.fragment.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		n := len(doc.Blocks)
		if n > 0 && doc.Blocks[n-1].SpeakerID == af.fragment.SpeakerID {
			doc.Blocks[n-1].Text += " " + text
			continue
		}
		doc.Blocks = append(doc.Blocks, Block{
			SpeakerID:   af.fragment.SpeakerID,
			SpeakerName: af.speakerName,
			Text:        text,
		})
	}
	return doc
}

func (d Document) Empty() bool {
	return len(d.Blocks) == 0
}

// Render formats the document as markdown: one attribution header per block,
// fragment text beneath it.
func (d Document) Render() string {
	var sb strings.Builder
	for i, b := range d.Blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		name := b.SpeakerName
		if name == "" {
			name = b.SpeakerID
		}
		sb.WriteString("**")
		sb.WriteString(name)
		sb.WriteString("**\n")
		sb.WriteString(b.Text)
	}
	return sb.String()
}
