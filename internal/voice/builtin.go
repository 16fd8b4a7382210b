package voice

// DefaultVoice is the voice used when a request names none.
const DefaultVoice ID = "am_fenrir"

var builtinVoices = []Voice{
	{ID: "af_heart", DisplayName: "Sarah (American Female)", Language: "American English", Gender: "female", Grade: "A"},
	{ID: "af_alloy", DisplayName: "Emily (American Female)", Language: "American English", Gender: "female", Grade: "C"},
	{ID: "af_aoede", DisplayName: "Madison (American Female)", Language: "American English", Gender: "female", Grade: "C+"},
	{ID: "af_bella", DisplayName: "Bella (American Female)", Language: "American English", Gender: "female", Grade: "A-"},
	{ID: "af_jessica", DisplayName: "Jessica (American Female)", Language: "American English", Gender: "female", Grade: "D"},
	{ID: "af_kore", DisplayName: "Kora (American Female)", Language: "American English", Gender: "female", Grade: "C+"},
	{ID: "af_nicole", DisplayName: "Nicole (American Female)", Language: "American English", Gender: "female", Grade: "B-"},
	{ID: "af_nova", DisplayName: "Nova (American Female)", Language: "American English", Gender: "female", Grade: "C"},
	{ID: "af_river", DisplayName: "River (American Female)", Language: "American English", Gender: "female", Grade: "D"},
	{ID: "af_sarah", DisplayName: "Laura (American Female)", Language: "American English", Gender: "female", Grade: "C+"},
	{ID: "af_sky", DisplayName: "Skylar (American Female)", Language: "American English", Gender: "female", Grade: "C-"},
	{ID: "am_adam", DisplayName: "Adam (American Male)", Language: "American English", Gender: "male", Grade: "F+"},
	{ID: "am_echo", DisplayName: "Ethan (American Male)", Language: "American English", Gender: "male", Grade: "D"},
	{ID: "am_eric", DisplayName: "Eric (American Male)", Language: "American English", Gender: "male", Grade: "D"},
	{ID: "am_fenrir", DisplayName: "Felix (American Male)", Language: "American English", Gender: "male", Grade: "C+"},
	{ID: "am_liam", DisplayName: "Liam (American Male)", Language: "American English", Gender: "male", Grade: "D"},
	{ID: "am_michael", DisplayName: "Michael (American Male)", Language: "American English", Gender: "male", Grade: "C+"},
	{ID: "am_onyx", DisplayName: "Oliver (American Male)", Language: "American English", Gender: "male", Grade: "D"},
	{ID: "am_puck", DisplayName: "Peter (American Male)", Language: "American English", Gender: "male", Grade: "C+"},
	{ID: "am_santa", DisplayName: "Nick (American Male)", Language: "American English", Gender: "male", Grade: "D-"},
	{ID: "bf_alice", DisplayName: "Alice (British Female)", Language: "British English", Gender: "female", Grade: "D"},
	{ID: "bf_emma", DisplayName: "Emma (British Female)", Language: "British English", Gender: "female", Grade: "B-"},
	{ID: "bf_isabella", DisplayName: "Isabella (British Female)", Language: "British English", Gender: "female", Grade: "C"},
	{ID: "bf_lily", DisplayName: "Lily (British Female)", Language: "British English", Gender: "female", Grade: "D"},
	{ID: "bm_daniel", DisplayName: "Daniel (British Male)", Language: "British English", Gender: "male", Grade: "D"},
	{ID: "bm_fable", DisplayName: "Frederick (British Male)", Language: "British English", Gender: "male", Grade: "C"},
	{ID: "bm_george", DisplayName: "George (British Male)", Language: "British English", Gender: "male", Grade: "C"},
	{ID: "bm_lewis", DisplayName: "Lewis (British Male)", Language: "British English", Gender: "male", Grade: "D+"},
}

// Builtin returns the catalog shipped with the Kokoro voice pack.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinVoices)
	if err != nil {
		panic("voice: invalid builtin catalog: " + err.Error())
	}
	return c
}
