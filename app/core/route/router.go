package route

import (
	"strings"

	config "callup/app/configs"
	"callup/app/pkg/types"
)

// Router computes per-task delivery plans from the assignee routing tables.
// Resolution fails closed: a channel without a resolvable identity is
// dropped from the plan rather than guessed.
type Router struct {
	// phones keyed by normalized alias; one assignee entry may register
	// several aliases separated by "|".
	phones    map[string]string
	chats     map[string][]string
	chatByID  map[string][]string
	overrides map[string][]types.Channel
	defaults  []types.Channel
	aliases   []string
}

func NewRouter(cfg config.RoutingConfig) *Router {
	r := &Router{
		phones:    map[string]string{},
		chats:     map[string][]string{},
		chatByID:  map[string][]string{},
		overrides: map[string][]types.Channel{},
	}
	for key, phone := range cfg.Phones {
		for _, alias := range strings.Split(key, "|") {
			alias = normalize(alias)
			if alias == "" {
				continue
			}
			r.phones[alias] = phone
			r.aliases = append(r.aliases, alias)
		}
	}
	for key, chatIDs := range cfg.Chats {
		if id, ok := strings.CutPrefix(key, "id:"); ok {
			r.chatByID[strings.TrimSpace(id)] = chatIDs
			continue
		}
		r.chats[normalize(key)] = chatIDs
	}
	for name, channels := range cfg.ChannelOverrides {
		r.overrides[normalize(name)] = toChannels(channels)
	}
	r.defaults = toChannels(cfg.DefaultChannels)
	if len(r.defaults) == 0 {
		r.defaults = []types.Channel{types.ChannelChat, types.ChannelVoice, types.ChannelSMS}
	}
	return r
}

// PlanFor resolves the channels and identities for one task. Channels whose
// identity cannot be resolved are removed; an empty plan is a routing gap
// the caller counts and retries next cycle.
func (r *Router) PlanFor(task types.ReminderTask) types.DeliveryPlan {
	eligible := r.channelsFor(task.AssigneeName)

	plan := types.DeliveryPlan{}
	phone := r.resolvePhone(task)
	chatIDs := r.resolveChats(task)

	for _, ch := range eligible {
		switch ch {
		case types.ChannelChat:
			if len(chatIDs) > 0 {
				plan.Channels = append(plan.Channels, ch)
				plan.ChatIDs = chatIDs
			}
		case types.ChannelVoice, types.ChannelSMS:
			if phone != "" {
				plan.Channels = append(plan.Channels, ch)
				plan.Phone = phone
			}
		}
	}
	return plan
}

func (r *Router) channelsFor(assigneeName string) []types.Channel {
	if override, ok := r.overrides[normalize(assigneeName)]; ok {
		return override
	}
	return r.defaults
}

// resolvePhone tries an exact assignee-name match first, then looks for a
// known alias inside the task description. Covers tasks whose assignee field
// is missing or a placeholder.
func (r *Router) resolvePhone(task types.ReminderTask) string {
	if phone, ok := r.phones[normalize(task.AssigneeName)]; ok {
		return phone
	}
	description := normalize(task.Description)
	if description == "" {
		return ""
	}
	for _, alias := range r.aliases {
		if strings.Contains(description, alias) {
			return r.phones[alias]
		}
	}
	return ""
}

func (r *Router) resolveChats(task types.ReminderTask) []string {
	var ids []string
	if task.AssigneeID != "" {
		ids = append(ids, r.chatByID[task.AssigneeID]...)
	}
	if len(ids) == 0 {
		ids = append(ids, r.chats[normalize(task.AssigneeName)]...)
	}
	if len(ids) == 0 {
		description := normalize(task.Description)
		for name, chatIDs := range r.chats {
			if description != "" && strings.Contains(description, name) {
				ids = append(ids, chatIDs...)
			}
		}
	}
	return dedup(ids)
}

func toChannels(names []string) []types.Channel {
	out := make([]types.Channel, 0, len(names))
	for _, name := range names {
		switch types.Channel(name) {
		case types.ChannelChat, types.ChannelVoice, types.ChannelSMS:
			out = append(out, types.Channel(name))
		}
	}
	return out
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
