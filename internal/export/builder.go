package export

import (
	"sort"
	"time"
)

// Builder assembles a Dataset, de-duplicating images by id and categories
// by id. Output ordering does not depend on insertion order for images and
// categories; annotations and tracks keep the order they were added in.
type Builder struct {
	info        Info
	images      map[string]Image
	categories  map[int]Category
	annotations []Annotation
	tracks      []TrackSummary
}

func NewBuilder(batchKey string, exportedAt time.Time) *Builder {
	return &Builder{
		info:       Info{BatchKey: batchKey, ExportedAt: exportedAt.UTC(), Tracks: []string{}},
		images:     make(map[string]Image),
		categories: make(map[int]Category),
	}
}

func (b *Builder) AddImage(img Image) {
	if _, ok := b.images[img.ID]; !ok {
		b.images[img.ID] = img
	}
}

func (b *Builder) AddCategory(c Category) {
	if _, ok := b.categories[c.ID]; !ok {
		b.categories[c.ID] = c
	}
}

func (b *Builder) AddAnnotation(a Annotation) {
	b.annotations = append(b.annotations, a)
}

func (b *Builder) AddTrack(t TrackSummary) {
	if t.Categories == nil {
		t.Categories = []string{}
	}
	b.tracks = append(b.tracks, t)
	b.info.Tracks = append(b.info.Tracks, t.TrackTag)
}

func (b *Builder) Dataset() *Dataset {
	images := make([]Image, 0, len(b.images))
	for _, img := range b.images {
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].FrameIndex != images[j].FrameIndex {
			return images[i].FrameIndex < images[j].FrameIndex
		}
		return images[i].ID < images[j].ID
	})

	categories := make([]Category, 0, len(b.categories))
	for _, c := range b.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })

	annotations := b.annotations
	if annotations == nil {
		annotations = []Annotation{}
	}
	tracks := b.tracks
	if tracks == nil {
		tracks = []TrackSummary{}
	}

	return &Dataset{
		Info:        b.info,
		Images:      images,
		Annotations: annotations,
		Categories:  categories,
		Tracks:      tracks,
	}
}
