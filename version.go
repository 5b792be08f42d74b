package killstory

var Version = "0.1.0"

const (
	StreamKillmails = "killstory:killmails"
	StreamTasks     = "killstory:tasks"
	StreamMaxLength = 10000
)

// UserAgent identifies outbound requests, as ESI asks clients to do.
func UserAgent(contact string) string {
	return "Killstory/" + Version + " (" + contact + ")"
}
