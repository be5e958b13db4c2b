package eventv1

// Closed set of event types materialized by the graph layer, per the event
// type registry. Unknown types still flow through the store and hub; they
// only take the freshness-only path in the materializer.
const (
	TypeChatMessage = "chat.message"

	TypeRunStep = "run.step"
	TypeError   = "error"

	TypeIndexingUpsert = "indexing.upsert"
	TypeOpsMetric      = "ops.metric"

	TypeAgentDecisionTraceSummary = "agent.decision_trace_summary"
	TypeAgentReasoningSummary     = "agent.reasoning.summary"

	TypeRAGSearchStart     = "rag.search.start"
	TypeRAGSearchResult    = "rag.search.result"
	TypeRAGContextCompiled = "rag.context.compiled"

	TypeScrapingPage = "scraping.page"
	TypeScrapingDone = "scraping.done"

	TypeCompilerStart          = "compiler.start"
	TypeCompilerResult         = "compiler.result"
	TypeCompilerError          = "compiler.error"
	TypeCompilerFallbackStart  = "compiler.fallback_start"
	TypeCompilerFallbackResult = "compiler.fallback_result"

	TypeRetrievalStart  = "retrieval.start"
	TypeRetrievalResult = "retrieval.result"

	TypeVoiceSessionStarted = "voice.session.started"
	TypeVoiceASRPartial     = "voice.asr.partial"
	TypeVoiceASRFinal       = "voice.asr.final"
	TypeVoiceTTSRequested   = "voice.tts.requested"
	TypeVoiceTTSAudioReady  = "voice.tts.audio.ready"
	TypeVoiceTTSDone        = "voice.tts.done"
	TypeVoiceError          = "voice.error"

	TypeControlRoomTaskCreated       = "control_room.task.created"
	TypeControlRoomTaskUpdated       = "control_room.task.updated"
	TypeControlRoomRunSpawned        = "control_room.run.spawned"
	TypeControlRoomRunCompleted      = "control_room.run.completed"
	TypeControlRoomApprovalRequested = "control_room.approval.requested"
	TypeControlRoomApprovalResolved  = "control_room.approval.resolved"
	TypeControlRoomActionUpdated     = "control_room.action.updated"

	TypeNeuroWakeStart           = "neuro.wake.start"
	TypeNeuroLayerSnapshot       = "neuro.layer.snapshot"
	TypeNeuroConsciousnessSnap   = "neuro.consciousness.snapshot"
	TypeNeuroTurnUpdate          = "neuro.turn.update"
	TypeNeuroConsciousnessUpdate = "neuro.consciousness.update"
	TypePersonaStateUpdate       = "persona.state.update"
)

// KnownTypes lists every event type materialized by name-specific dispatch;
// the graph materializer builds its dispatch table from it.
var KnownTypes = map[string]bool{
	TypeChatMessage:                  true,
	TypeRunStep:                      true,
	TypeError:                        true,
	TypeIndexingUpsert:               true,
	TypeOpsMetric:                    true,
	TypeAgentDecisionTraceSummary:    true,
	TypeAgentReasoningSummary:        true,
	TypeRAGSearchStart:               true,
	TypeRAGSearchResult:              true,
	TypeRAGContextCompiled:           true,
	TypeScrapingPage:                 true,
	TypeScrapingDone:                 true,
	TypeCompilerStart:                true,
	TypeCompilerResult:               true,
	TypeCompilerError:                true,
	TypeCompilerFallbackStart:        true,
	TypeCompilerFallbackResult:       true,
	TypeRetrievalStart:               true,
	TypeRetrievalResult:              true,
	TypeVoiceSessionStarted:          true,
	TypeVoiceASRPartial:              true,
	TypeVoiceASRFinal:                true,
	TypeVoiceTTSRequested:            true,
	TypeVoiceTTSAudioReady:           true,
	TypeVoiceTTSDone:                 true,
	TypeVoiceError:                   true,
	TypeControlRoomTaskCreated:       true,
	TypeControlRoomTaskUpdated:       true,
	TypeControlRoomRunSpawned:        true,
	TypeControlRoomRunCompleted:      true,
	TypeControlRoomApprovalRequested: true,
	TypeControlRoomApprovalResolved:  true,
	TypeControlRoomActionUpdated:     true,
	TypeNeuroWakeStart:               true,
	TypeNeuroLayerSnapshot:           true,
	TypeNeuroConsciousnessSnap:       true,
	TypeNeuroTurnUpdate:              true,
	TypeNeuroConsciousnessUpdate:     true,
	TypePersonaStateUpdate:           true,
}
