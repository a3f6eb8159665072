package download

// Wire shapes for the playurl endpoint. DASH responses carry separate video
// and audio tracks; legacy progressive responses carry durl segments instead.

type playData struct {
	Quality       int       `json:"quality"`
	AcceptQuality []int     `json:"accept_quality"`
	Dash          *dashInfo `json:"dash"`
	Durl          []durlSeg `json:"durl"`
}

type dashInfo struct {
	Video []dashStream `json:"video"`
	Audio []dashStream `json:"audio"`
}

type dashStream struct {
	ID        int    `json:"id"`
	BaseURL   string `json:"baseUrl"`
	Bandwidth int64  `json:"bandwidth"`
	Codecid   int    `json:"codecid"`
}

type durlSeg struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// codecAVC is preferred between equal-quality tracks; HEVC and AV1 copies
// are less reliable inside an mp4 container mux.
const codecAVC = 7

// maxAudioID caps audio at the 192K tier. Dolby and Hi-Res tracks live in
// separate dash fields that are deliberately not decoded; they do not
// survive a plain stream copy into mp4.
const maxAudioID = 30280

type selection struct {
	videoURL      string
	audioURL      string
	segments      []durlSeg
	quality       int
	downgraded    bool
	expectedBytes int64
}

func (s selection) progressive() bool { return len(s.segments) > 0 }

// pickStreams chooses the tracks to fetch. DASH wins over durl when both are
// present. The quality rule is: highest track at or below the requested tier,
// falling back to the lowest offered track with the downgraded flag set.
func pickStreams(data *playData, want int, durationSec int64) (selection, error) {
	if data == nil {
		return selection{}, ErrNoStream
	}
	if data.Dash != nil && len(data.Dash.Video) > 0 {
		video, downgraded := pickVideo(data.Dash.Video, want)
		sel := selection{
			videoURL:   video.BaseURL,
			quality:    video.ID,
			downgraded: downgraded,
		}
		bandwidth := video.Bandwidth
		if audio := pickAudio(data.Dash.Audio); audio != nil {
			sel.audioURL = audio.BaseURL
			bandwidth += audio.Bandwidth
		}
		if durationSec > 0 && bandwidth > 0 {
			sel.expectedBytes = bandwidth * durationSec / 8
		}
		return sel, nil
	}
	if len(data.Durl) > 0 {
		sel := selection{
			segments:   data.Durl,
			quality:    data.Quality,
			downgraded: data.Quality > want,
		}
		for _, seg := range data.Durl {
			if seg.URL == "" {
				return selection{}, ErrNoStream
			}
			sel.expectedBytes += seg.Size
		}
		return sel, nil
	}
	return selection{}, ErrNoStream
}

func pickVideo(videos []dashStream, want int) (dashStream, bool) {
	var best *dashStream
	for i := range videos {
		v := &videos[i]
		if v.ID > want {
			continue
		}
		if best == nil || v.ID > best.ID || (v.ID == best.ID && preferCodec(v, best)) {
			best = v
		}
	}
	if best != nil {
		return *best, false
	}
	// Nothing at or below the requested tier; take the lowest offered.
	for i := range videos {
		v := &videos[i]
		if best == nil || v.ID < best.ID || (v.ID == best.ID && preferCodec(v, best)) {
			best = v
		}
	}
	return *best, true
}

func preferCodec(candidate, current *dashStream) bool {
	return candidate.Codecid == codecAVC && current.Codecid != codecAVC
}

func pickAudio(audios []dashStream) *dashStream {
	var best *dashStream
	for i := range audios {
		a := &audios[i]
		if a.ID > maxAudioID {
			continue
		}
		if best == nil || a.ID > best.ID {
			best = a
		}
	}
	if best == nil && len(audios) > 0 {
		best = &audios[0]
	}
	return best
}
