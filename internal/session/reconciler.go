package session

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

type messageRole int

const (
	roleUnknown messageRole = iota
	roleUser
	roleAssistant
	roleStale
)

// pendingPart is a buffered part update for a message whose role is not yet known.
type pendingPart struct {
	part  Part
	delta string
}

// Update reports what one applied event changed.
type Update struct {
	Parts    []Part
	Removed  []string
	Message  *MessageInfo
	Finished bool
}

// Changed reports whether any assistant content changed.
func (u Update) Changed() bool {
	return len(u.Parts) > 0 || len(u.Removed) > 0
}

// Reconciler merges wire events into an Exchange.
type Reconciler struct {
	ex      *Exchange
	roles   map[string]messageRole
	orphans map[string][]pendingPart
	logger  *logger.Logger
}

// NewReconciler creates a reconciler for ex.
func NewReconciler(ex *Exchange, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{
		ex:      ex,
		roles:   make(map[string]messageRole),
		orphans: make(map[string][]pendingPart),
		logger:  log.WithFields(zap.String("component", "reconciler")),
	}
}

// Exchange returns the exchange being reconciled.
func (r *Reconciler) Exchange() *Exchange {
	return r.ex
}

// Apply merges one event. Events of other kinds produce an empty Update.
func (r *Reconciler) Apply(ev *opencode.Event) Update {
	if len(ev.Properties) == 0 {
		return Update{}
	}
	props := gjson.ParseBytes(ev.Properties)
	switch ev.Type {
	case opencode.EventMessageUpdated:
		info, ok := normalizeMessageInfo(props.Get("info"))
		if !ok {
			return Update{}
		}
		return r.applyMessage(info)
	case opencode.EventMessagePartUpdated:
		part, ok := normalizePart(props.Get("part"))
		if !ok {
			r.logger.Debug("dropping part without identity")
			return Update{}
		}
		delta := ""
		if d := props.Get("delta"); d.Type == gjson.String {
			delta = d.Str
		}
		return r.applyPart(part, delta)
	case opencode.EventMessagePartRemoved:
		return r.removePart(coerceString(props.Get("messageID")), coerceString(props.Get("partID")))
	}
	return Update{}
}

func (r *Reconciler) applyMessage(info MessageInfo) Update {
	switch info.Role {
	case opencode.RoleUser:
		r.roles[info.ID] = roleUser
		if r.ex.UserMessageID == "" {
			r.ex.UserMessageID = info.ID
		}
		if dropped := len(r.orphans[info.ID]); dropped > 0 {
			r.logger.Debug("dropping buffered parts of user echo",
				zap.String("message_id", info.ID), zap.Int("count", dropped))
		}
		delete(r.orphans, info.ID)
		return Update{}

	case opencode.RoleAssistant:
		if r.ex.UserMessageID == "" && r.ex.Resumed && info.ParentID != "" {
			r.ex.UserMessageID = info.ParentID
		}
		if info.ParentID != "" && r.ex.UserMessageID != "" && info.ParentID != r.ex.UserMessageID {
			r.roles[info.ID] = roleStale
			delete(r.orphans, info.ID)
			r.logger.Debug("ignoring assistant message of another turn",
				zap.String("message_id", info.ID), zap.String("parent_id", info.ParentID))
			return Update{}
		}

		r.roles[info.ID] = roleAssistant
		entry := r.ex.claim(info.ID)
		mergeInfo(&entry.info, info)

		upd := Update{Message: &MessageInfo{}}
		*upd.Message = entry.info
		for _, op := range r.orphans[info.ID] {
			if p := r.upsert(entry, op.part, op.delta); p != nil {
				upd.Parts = append(upd.Parts, *p)
			}
		}
		delete(r.orphans, info.ID)
		upd.Finished = entry.info.Finish == opencode.FinishStop
		return upd
	}
	return Update{}
}

func (r *Reconciler) applyPart(part Part, delta string) Update {
	switch r.roles[part.MessageID] {
	case roleUser, roleStale:
		return Update{}
	case roleUnknown:
		r.orphans[part.MessageID] = append(r.orphans[part.MessageID], pendingPart{part: part, delta: delta})
		return Update{}
	}
	entry := r.ex.lookup(part.MessageID)
	if entry == nil {
		return Update{}
	}
	if p := r.upsert(entry, part, delta); p != nil {
		return Update{Parts: []Part{*p}}
	}
	return Update{}
}

func (r *Reconciler) removePart(messageID, partID string) Update {
	if partID == "" {
		return Update{}
	}
	if messageID != "" {
		if entry := r.ex.lookup(messageID); entry != nil && entry.remove(partID) {
			return Update{Removed: []string{partID}}
		}
		return Update{}
	}
	for _, entry := range r.ex.entries {
		if entry.remove(partID) {
			return Update{Removed: []string{partID}}
		}
	}
	return Update{}
}

// upsert merges p into entry and returns a copy of the resulting part.
func (r *Reconciler) upsert(entry *assistantEntry, p Part, delta string) *Part {
	p.MessageID = entry.info.ID
	existing := entry.get(p.ID)

	if p.Type.IsText() {
		switch {
		case delta != "" && existing != nil:
			// A full text ending in the delta is authoritative. A stale one that
			// is only a prefix of what is already held leaves the part as is.
			switch {
			case p.Text == "" || !strings.HasSuffix(p.Text, delta):
				existing.Text += delta
			case !strings.HasPrefix(existing.Text, p.Text):
				existing.Text = p.Text
			}
			existing.Type = p.Type
		case delta != "":
			if p.Text == "" || !strings.HasSuffix(p.Text, delta) {
				p.Text = delta
			}
			existing = &p
		case existing != nil:
			existing.Text = p.Text
			existing.Type = p.Type
		default:
			existing = &p
		}
		entry.put(existing)
		out := existing.clone()
		return &out
	}

	if existing == nil {
		if p.Tool != nil && p.Tool.Status == "" {
			p.Tool.Status = ToolPending
		}
		entry.put(&p)
		out := p.clone()
		return &out
	}
	mergePart(existing, &p)
	out := existing.clone()
	return &out
}

// mergePart shallow-merges src into dst: non-empty incoming fields win.
func mergePart(dst, src *Part) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Text != "" {
		dst.Text = src.Text
	}
	if src.Tool != nil {
		if dst.Tool == nil {
			dst.Tool = &ToolState{Status: ToolPending}
		}
		mergeTool(dst.Tool, src.Tool)
	}
	if src.File != nil {
		if dst.File == nil {
			dst.File = &FileRef{}
		}
		setIf(&dst.File.Mime, src.File.Mime)
		setIf(&dst.File.Filename, src.File.Filename)
		setIf(&dst.File.URL, src.File.URL)
	}
	if src.Patch != nil {
		if dst.Patch == nil {
			dst.Patch = &PatchInfo{}
		}
		setIf(&dst.Patch.Hash, src.Patch.Hash)
		if len(src.Patch.Files) > 0 {
			dst.Patch.Files = src.Patch.Files
		}
	}
	if src.Step != nil {
		if dst.Step == nil {
			dst.Step = &StepBoundary{}
		}
		setIf(&dst.Step.Kind, src.Step.Kind)
		setIf(&dst.Step.Reason, src.Step.Reason)
		if src.Step.Cost != 0 {
			dst.Step.Cost = src.Step.Cost
		}
		if src.Step.Tokens != nil {
			dst.Step.Tokens = src.Step.Tokens
		}
	}
}

func mergeTool(dst, src *ToolState) {
	setIf(&dst.Name, src.Name)
	setIf(&dst.CallID, src.CallID)
	if src.Status != "" {
		dst.Status = src.Status
	}
	setIf(&dst.Title, src.Title)
	setIf(&dst.InputSummary, src.InputSummary)
	setIf(&dst.OutputSummary, src.OutputSummary)
	setIf(&dst.ErrorSummary, src.ErrorSummary)
}

func mergeInfo(dst *MessageInfo, src MessageInfo) {
	dst.ID = src.ID
	setIf(&dst.SessionID, src.SessionID)
	setIf(&dst.Role, src.Role)
	setIf(&dst.ParentID, src.ParentID)
	setIf(&dst.Finish, src.Finish)
	setIf(&dst.Error, src.Error)
	if src.Cost != 0 {
		dst.Cost = src.Cost
	}
	if src.Tokens != nil {
		dst.Tokens = src.Tokens
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplySnapshot merges the latest assistant message of a polled history.
// It applies only when the snapshot is at least as complete as the current state
// and strictly ahead in part count or text length.
func (r *Reconciler) ApplySnapshot(messages []opencode.MessageEnvelope) (Update, bool) {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if gjson.GetBytes(messages[i].Info, "role").String() == opencode.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return Update{}, false
	}

	userInfo, ok := normalizeMessageInfo(gjson.ParseBytes(messages[lastUser].Info))
	if !ok || !r.ownsUserMessage(userInfo.ID, messages[lastUser].Parts) {
		return Update{}, false
	}

	var snapInfo MessageInfo
	var snapParts []Part
	found := false
	for i := len(messages) - 1; i > lastUser; i-- {
		info, ok := normalizeMessageInfo(gjson.ParseBytes(messages[i].Info))
		if !ok || info.Role != opencode.RoleAssistant {
			continue
		}
		snapInfo = info
		for _, raw := range messages[i].Parts {
			if p, ok := normalizePart(gjson.ParseBytes(raw)); ok {
				snapParts = append(snapParts, p)
			}
		}
		found = true
		break
	}
	if !found {
		return Update{}, false
	}
	if r.roles[snapInfo.ID] == roleStale {
		return Update{}, false
	}

	curCount, curLen := 0, 0
	if entry := r.ex.lookup(snapInfo.ID); entry != nil {
		curCount, curLen = len(entry.order), entry.textLen()
	}
	snapCount, snapLen := len(snapParts), 0
	for _, p := range snapParts {
		if p.Type.IsText() {
			snapLen += len(p.Text)
		}
	}

	ahead := snapCount >= curCount && snapLen >= curLen && (snapCount > curCount || snapLen > curLen)
	if !ahead {
		// Heal a missed finish on a message the stream already delivered.
		entry := r.ex.lookup(snapInfo.ID)
		if entry != nil && entry.info.Finish == "" && snapInfo.Finish != "" {
			mergeInfo(&entry.info, snapInfo)
			info := entry.info
			return Update{Message: &info, Finished: info.Finish == opencode.FinishStop}, true
		}
		return Update{}, false
	}

	r.roles[snapInfo.ID] = roleAssistant
	entry := r.ex.claim(snapInfo.ID)
	mergeInfo(&entry.info, snapInfo)
	delete(r.orphans, snapInfo.ID)

	info := entry.info
	upd := Update{Message: &info, Finished: info.Finish == opencode.FinishStop}
	for _, p := range snapParts {
		if out := r.upsert(entry, p, ""); out != nil {
			upd.Parts = append(upd.Parts, *out)
		}
	}
	return upd, true
}

// ownsUserMessage reports whether the polled user message is this exchange's turn.
// Without an echo, a fresh exchange matches on prompt text.
func (r *Reconciler) ownsUserMessage(id string, parts []json.RawMessage) bool {
	if r.ex.UserMessageID != "" {
		return id == r.ex.UserMessageID
	}
	if r.ex.Resumed {
		r.ex.UserMessageID = id
		r.roles[id] = roleUser
		return true
	}
	var text strings.Builder
	for _, raw := range parts {
		p := gjson.ParseBytes(raw)
		if p.Get("type").String() == string(PartText) {
			text.WriteString(p.Get("text").String())
		}
	}
	if strings.TrimSpace(text.String()) != strings.TrimSpace(r.ex.UserText) {
		return false
	}
	r.ex.UserMessageID = id
	r.roles[id] = roleUser
	return true
}
