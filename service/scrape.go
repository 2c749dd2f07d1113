package service

import "github.com/grafana/traced/abi"

// scrapeProducer implements spec.md §4.4.6: walk every page in the
// producer's SMB region, copying out whatever bytes are there
// (Complete or still-BeingWritten) rather than waiting for a
// CommitData that will never arrive. Called only from
// DisconnectProducer; a Flush timeout and DisableTracing do not scrape.
func (s *TracingService) scrapeProducer(sess *TracingSession, p *Producer) {
	p.mu.Lock()
	region := p.region
	p.mu.Unlock()
	if region == nil {
		return
	}

	for i := 0; i < region.NumPages(); i++ {
		page := region.Page(i)
		if !page.Partitioned() {
			continue
		}
		target := BufferID(page.TargetBuffer())
		buf := sess.buffer(target)
		if buf == nil {
			continue
		}

		layout := page.Layout()
		for idx := 0; idx < layout.NumChunks(); idx++ {
			state := page.ChunkState(idx)
			if state == abi.ChunkFree {
				continue
			}
			header := page.ChunkHeaderOf(idx)
			payload := page.ChunkPayload(idx)
			cp := make([]byte, len(payload))
			copy(cp, payload)

			if state == abi.ChunkBeingWritten {
				buf.CopyScrapedChunk(p.UID, header, cp)
			} else {
				buf.CopyChunk(p.UID, header, cp)
			}
		}
	}
}
