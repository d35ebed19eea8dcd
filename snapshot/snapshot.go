// Package snapshot serializes a buffer's contents and view layout so that a
// compute graph's memory can be saved to disk and rebuilt later, on the same
// or a different execution context.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quarrylabs/go-devbuf/engine"
	"github.com/quarrylabs/go-devbuf/memory"
)

// TensorView records the placement of one tensor view inside the buffer.
type TensorView struct {
	Dims       []int           `json:"dims"`
	DType      memory.DataType `json:"dtype"`
	ByteOffset int             `json:"byte_offset"`
}

// ImageView records the placement of one image view inside the buffer.
type ImageView struct {
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Format     memory.PixelFormat `json:"format"`
	ByteOffset int                `json:"byte_offset"`
}

// Metadata carries provenance for a snapshot.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	Engine    string    `json:"engine"`
	Version   string    `json:"version"`
}

// Snapshot is a point-in-time copy of a buffer's bytes plus the layout of
// the views placed in it.
type Snapshot struct {
	Storage  engine.Storage `json:"storage"`
	ByteSize int            `json:"byte_size"`
	Data     []byte         `json:"data"`
	Tensors  []TensorView   `json:"tensors,omitempty"`
	Images   []ImageView    `json:"images,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// Capture reads the buffer's full contents and records the placement of the
// given views.
func Capture(buf memory.Buffer, tensors []*memory.Tensor, images []*memory.Image) (*Snapshot, error) {
	data := make([]byte, buf.ByteSize())
	if err := buf.Read(0, data, engine.Sync); err != nil {
		return nil, fmt.Errorf("failed to read buffer contents: %w", err)
	}

	snap := &Snapshot{
		Storage:  buf.Storage(),
		ByteSize: buf.ByteSize(),
		Data:     data,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
			Engine:    buf.Engine().Name(),
			Version:   "1.0.0",
		},
	}

	for _, t := range tensors {
		snap.Tensors = append(snap.Tensors, TensorView{
			Dims:       t.Dims(),
			DType:      t.DType(),
			ByteOffset: t.ByteOffset(),
		})
	}
	for _, img := range images {
		desc := img.Desc()
		snap.Images = append(snap.Images, ImageView{
			Width:      desc.Width,
			Height:     desc.Height,
			Format:     desc.Format,
			ByteOffset: img.ByteOffset(),
		})
	}
	return snap, nil
}

// Restore allocates a fresh buffer on eng, writes the snapshot's bytes into
// it, and rebuilds the recorded views.
func (s *Snapshot) Restore(eng engine.Engine) (memory.Buffer, []*memory.Tensor, []*memory.Image, error) {
	buf, err := memory.NewBuffer(eng, s.ByteSize, s.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to allocate restored buffer: %w", err)
	}
	if err := buf.Write(0, s.Data, engine.Sync); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to write restored contents: %w", err)
	}

	var tensors []*memory.Tensor
	for _, tv := range s.Tensors {
		t, err := buf.NewTensor(memory.TensorDesc{Dims: tv.Dims, DType: tv.DType}, tv.ByteOffset)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to rebuild tensor view at offset %d: %w", tv.ByteOffset, err)
		}
		tensors = append(tensors, t)
	}

	var images []*memory.Image
	for _, iv := range s.Images {
		desc := memory.ImageDesc{Width: iv.Width, Height: iv.Height, Format: iv.Format}
		img, err := buf.NewImage(desc, iv.ByteOffset)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to rebuild image view at offset %d: %w", iv.ByteOffset, err)
		}
		images = append(images, img)
	}
	return buf, tensors, images, nil
}

// SaveFile writes the snapshot as JSON.
func (s *Snapshot) SaveFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

// LoadFile reads a snapshot previously written by SaveFile.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	return &snap, nil
}
