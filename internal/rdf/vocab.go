package rdf

// Class IRIs of the core ontology. Catalogue triples use these types; runtime
// triples add the execution classes.
var (
	ClassAtomicNode         = KCE("AtomicNode")
	ClassInputParameter     = KCE("InputParameter")
	ClassOutputParameter    = KCE("OutputParameter")
	ClassRule               = KCE("Rule")
	ClassCapabilityTemplate = KCE("CapabilityTemplate")
	ClassWorkflow           = KCE("Workflow")
	ClassWorkflowStep       = KCE("WorkflowStep")
	ClassInvocationSpec     = KCE("InvocationSpec")
	ClassExecutionRun       = KCE("ExecutionRun")
	ClassExecutionStateNode = KCE("ExecutionStateNode")
)

// Catalogue predicates.
var (
	PredType  = RDF("type")
	PredLabel = RDFS("label")

	PredHasInputParameter  = KCE("hasInputParameter")
	PredHasOutputParameter = KCE("hasOutputParameter")
	PredParameterName      = KCE("parameterName")
	PredParameterOrder     = KCE("parameterOrder")
	PredMapsToRdfProperty  = KCE("mapsToRdfProperty")
	PredDataType           = KCE("dataType")
	PredIsRequired         = KCE("isRequired")

	PredHasPrecondition = KCE("hasPrecondition")

	PredHasEffect       = KCE("hasEffect")
	PredEffectKind      = KCE("effectKind")
	PredEffectOnEntity  = KCE("onEntity")
	PredEffectProperty  = KCE("affectsProperty")
	PredEffectValueFrom = KCE("valueFromOutput")

	PredHasInvocationSpec    = KCE("hasInvocationSpec")
	PredInvocationKind       = KCE("invocationKind")
	PredScriptPath           = KCE("scriptPath")
	PredArgumentPassingStyle = KCE("argumentPassingStyle")
	PredOutputParsingStyle   = KCE("outputParsingStyle")
	PredUpdateCommand        = KCE("sparqlUpdateCommand")
	PredNodeTimeoutSeconds   = KCE("timeoutSeconds")

	PredHasAntecedent = KCE("hasAntecedent")
	PredHasConsequent = KCE("hasConsequent")
	PredPriority      = KCE("priority")
	PredCritical      = KCE("isCritical")

	PredImplementsCapability = KCE("implementsCapability")
	PredCapabilityInput      = KCE("capabilityInput")
	PredCapabilityOutput     = KCE("capabilityOutput")
	PredMapsCapabilityName   = KCE("mapsCapabilityName")

	PredHasStep      = KCE("hasStep")
	PredExecutesNode = KCE("executesNode")
	PredStepOrder    = KCE("stepOrder")

	PredDescription = dctermsNS + "description"

	PredHasExternalSideEffect = KCE("hasExternalSideEffect")
)

// Effect kind values for kce:effectKind.
var (
	EffectAssertProperty = KCE("AssertProperty")
	EffectCreateEntity   = KCE("CreateEntity")
	EffectAddLink        = KCE("AddLink")
)

// Invocation kind values.
var (
	InvocationSubprocessScript = KCE("SubprocessScript")
	InvocationSparqlUpdate     = KCE("SparqlUpdate")
)

// Runtime predicates written by the provenance recorder.
var (
	PredRunID           = KCE("runId")
	PredStartedAt       = KCE("startedAt")
	PredEndedAt         = KCE("endedAt")
	PredRunStatus       = KCE("status")
	PredGoal            = KCE("goal")
	PredWorkflowContext = KCE("workflowContext")

	PredTimestamp      = KCE("timestamp")
	PredEventKind      = KCE("eventKind")
	PredOperationURI   = KCE("operationUri")
	PredPreviousState  = KCE("previousState")
	PredBelongsToRun   = KCE("belongsToRun")
	PredInputSnapshot  = KCE("inputSnapshotRef")
	PredOutputSnapshot = KCE("outputSnapshotRef")
	PredHumanLogRef    = KCE("humanReadableLogRef")
	PredDetail         = RDFS("comment")

	PredWasGeneratedBy = PROV("wasGeneratedBy")
	PredUsed           = PROV("used")
)

// Run status values.
var (
	StatusRunning   = KCE("Running")
	StatusSucceeded = KCE("Succeeded")
	StatusFailed    = KCE("Failed")
)

// Event kind values for execution state nodes.
var (
	EventNodeStarted     = KCE("NodeStarted")
	EventNodeSucceeded   = KCE("NodeSucceeded")
	EventNodeFailed      = KCE("NodeFailed")
	EventRuleFired       = KCE("RuleFired")
	EventPlannerDecision = KCE("PlannerDecision")
	EventGoalReached     = KCE("GoalReached")
)
