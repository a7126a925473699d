package feed

import (
	logx "feedbot/pkg/logx"
)

// dispatch decodes one raw payload and hands it to h when it matches f.
// It reports whether h was called.
func dispatch(log logx.Logger, f Filter, h Handler, payload []byte) bool {
	ev, err := decodeEvent(payload)
	if err != nil {
		log.Warn("undecodable change payload skipped", logx.Err(err), logx.Int("bytes", len(payload)))
		return false
	}
	if !f.Match(ev) {
		log.Trace("change event filtered out",
			logx.String("type", ev.Type), logx.String("schema", ev.Schema), logx.String("table", ev.Table))
		return false
	}
	log.Debug("received change event",
		logx.String("type", ev.Type), logx.String("table", ev.Schema+"."+ev.Table), logx.RawJSON("record", ev.Record))
	h(ev)
	return true
}
