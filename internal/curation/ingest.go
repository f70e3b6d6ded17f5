package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const DefaultTrackKey = "patch_id"

// COCOLabels is the subset of a COCO labels file the importer reads.
// Annotations keep their raw fields so any attribute can act as track key.
type COCOLabels struct {
	Images      []COCOImage                  `json:"images"`
	Annotations []map[string]json.RawMessage `json:"annotations"`
	Categories  []COCOCategory               `json:"categories"`
}

type COCOImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    *int   `json:"width"`
	Height   *int   `json:"height"`
}

type COCOCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func ReadCOCOLabels(r io.Reader) (*COCOLabels, error) {
	var labels COCOLabels
	if err := json.NewDecoder(r).Decode(&labels); err != nil {
		return nil, invalidf("decode labels: %v", err)
	}
	return &labels, nil
}

type ImportOptions struct {
	BatchKey string
	// Prefix is the blob location of the batch; frames resolve to
	// <Prefix>/data/<file_name>.
	Prefix   string
	TrackKey string
	Replace  bool
	// Progress, when set, is called after each frame and annotation insert.
	Progress func(done, total int)
}

type ImportResult struct {
	BatchKey    string
	Frames      int
	Annotations int
	Tracks      int
}

type cocoAnnotation struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	CategoryID int       `json:"category_id"`
	BBox       []float64 `json:"bbox"`
	Area       *float64  `json:"area"`
	Score      *float64  `json:"score"`
	HasMask    *bool     `json:"has_mask"`
	Blur       *string   `json:"blur_decision"`
	Metrics    *struct {
		BlurDecision *string `json:"blur_decision"`
	} `json:"blur_metrics"`
}

// ImportCOCO loads labels into a new batch inside one transaction. Only
// images referenced by at least one annotation become frames; they are
// indexed in file name order.
func (s *Service) ImportCOCO(ctx context.Context, labels *COCOLabels, opts ImportOptions) (*ImportResult, error) {
	if strings.TrimSpace(opts.BatchKey) == "" {
		return nil, invalidf("batch key is required")
	}
	if len(labels.Images) == 0 {
		return nil, invalidf("labels contain no images")
	}
	if len(labels.Annotations) == 0 {
		return nil, invalidf("labels contain no annotations")
	}
	trackKey := opts.TrackKey
	if trackKey == "" {
		trackKey = DefaultTrackKey
	}

	categories := make(map[int]string, len(labels.Categories))
	for _, c := range labels.Categories {
		categories[c.ID] = c.Name
	}
	images := make(map[int64]COCOImage, len(labels.Images))
	for _, img := range labels.Images {
		images[img.ID] = img
	}

	type parsed struct {
		raw   cocoAnnotation
		track string
	}
	anns := make([]parsed, 0, len(labels.Annotations))
	referenced := make(map[int64]bool)
	trackCategories := make(map[string]map[string]bool)
	for i, fields := range labels.Annotations {
		var a cocoAnnotation
		if err := decodeFields(fields, &a); err != nil {
			return nil, invalidf("annotation %d: %v", i, err)
		}
		if _, ok := images[a.ImageID]; !ok {
			return nil, invalidf("annotation %d references unknown image_id %d", a.ID, a.ImageID)
		}
		name, ok := categories[a.CategoryID]
		if !ok {
			return nil, invalidf("annotation %d references unknown category_id %d", a.ID, a.CategoryID)
		}
		if len(a.BBox) != 4 {
			return nil, invalidf("annotation %d has malformed bbox", a.ID)
		}
		tag := trackValue(fields, trackKey)
		if tag != "" {
			if trackCategories[tag] == nil {
				trackCategories[tag] = make(map[string]bool)
			}
			trackCategories[tag][name] = true
		}
		referenced[a.ImageID] = true
		anns = append(anns, parsed{raw: a, track: tag})
	}
	sort.SliceStable(anns, func(i, j int) bool { return anns[i].raw.ID < anns[j].raw.ID })

	frameImages := make([]COCOImage, 0, len(referenced))
	for _, img := range labels.Images {
		if referenced[img.ID] {
			frameImages = append(frameImages, img)
		}
	}
	sort.SliceStable(frameImages, func(i, j int) bool { return frameImages[i].FileName < frameImages[j].FileName })

	tags := make([]string, 0, len(trackCategories))
	for tag := range trackCategories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	total := len(frameImages) + len(anns)
	done := 0
	step := func() {
		done++
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}

	result := &ImportResult{BatchKey: opts.BatchKey}
	err := s.repo.InTx(ctx, func(tx Repository) error {
		existing, err := tx.GetBatchByKey(ctx, opts.BatchKey)
		if err != nil {
			return fmt.Errorf("get batch %s: %w", opts.BatchKey, err)
		}
		if existing != nil {
			if !opts.Replace {
				return invalidf("batch %s already exists", opts.BatchKey)
			}
			if err := tx.DeleteBatch(ctx, existing.ID); err != nil {
				return fmt.Errorf("purge batch %s: %w", opts.BatchKey, err)
			}
		}

		now := s.now()
		batch := &Batch{ID: NewID(), Key: opts.BatchKey, GCSPrefix: opts.Prefix, CreatedAt: now, UpdatedAt: now}
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}

		frameIDs := make(map[int64]string, len(frameImages))
		for i, img := range frameImages {
			f := &Frame{
				ID:            NewID(),
				BatchID:       batch.ID,
				Index:         i,
				Filename:      img.FileName,
				GCSURI:        frameURI(opts.Prefix, img.FileName),
				Width:         img.Width,
				Height:        img.Height,
				DefaultStatus: StatusAccepted,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateFrame(ctx, f); err != nil {
				return fmt.Errorf("create frame %s: %w", img.FileName, err)
			}
			frameIDs[img.ID] = f.ID
			step()
		}

		for _, tag := range tags {
			names := make([]string, 0, len(trackCategories[tag]))
			for name := range trackCategories[tag] {
				names = append(names, name)
			}
			sort.Strings(names)
			t := &Track{
				ID:         NewID(),
				BatchID:    batch.ID,
				Tag:        tag,
				Categories: names,
				Status:     TrackActive,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.CreateTrack(ctx, t); err != nil {
				return fmt.Errorf("create track %s: %w", tag, err)
			}
		}

		for _, p := range anns {
			a := p.raw
			ann := &Annotation{
				ID:           NewID(),
				BatchID:      batch.ID,
				FrameID:      frameIDs[a.ImageID],
				Index:        int(a.ID),
				TrackTag:     p.track,
				CategoryID:   a.CategoryID,
				CategoryName: categories[a.CategoryID],
				BBox:         BBox{X: a.BBox[0], Y: a.BBox[1], Width: a.BBox[2], Height: a.BBox[3]},
				Area:         a.Area,
				Confidence:   a.Score,
				Status:       StatusUnreviewed,
				Meta: AnnotationMeta{
					BlurDecision: blurDecision(a),
					HasMask:      a.HasMask,
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if trackKey == DefaultTrackKey {
				ann.Meta.PatchID = p.track
			}
			if err := tx.CreateAnnotation(ctx, ann); err != nil {
				return fmt.Errorf("create annotation %d: %w", a.ID, err)
			}
			step()
		}

		if err := tx.UpdateBatchCounts(ctx, batch.ID, len(frameImages), len(anns), len(tags)); err != nil {
			return fmt.Errorf("update batch counts: %w", err)
		}
		result.Frames, result.Annotations, result.Tracks = len(frameImages), len(anns), len(tags)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.batchLogger(opts.BatchKey).Info("batch imported",
		"frames", result.Frames,
		"annotations", result.Annotations,
		"tracks", result.Tracks,
		"replaced", opts.Replace,
	)
	return result, nil
}

func decodeFields(fields map[string]json.RawMessage, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// trackValue reads the track key from a raw annotation, falling back to
// patch_id. Numbers are rendered without a fractional part when integral.
func trackValue(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if (!ok || string(raw) == "null") && key != DefaultTrackKey {
		raw, ok = fields[DefaultTrackKey]
	}
	if !ok || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

func blurDecision(a cocoAnnotation) string {
	if a.Blur != nil {
		return *a.Blur
	}
	if a.Metrics != nil && a.Metrics.BlurDecision != nil {
		return *a.Metrics.BlurDecision
	}
	return ""
}

func frameURI(prefix, fileName string) string {
	if prefix == "" {
		return fileName
	}
	return strings.TrimRight(prefix, "/") + "/data/" + fileName
}
