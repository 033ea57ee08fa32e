package agents

import "context"

// Registry holds one typed callable per agent. The pipeline only ever sees
// this struct, so tests swap individual fields for stubs and production
// wires every field to the reasoning-service client.
type Registry struct {
	RefineQuery           func(context.Context, QueryInput) (RefinedQuery, error)
	GenerateInitialAnswer func(context.Context, QueryInput) (InitialAnswer, error)

	Route                   func(context.Context, AnswerContext) (Routing, error)
	AnalyzeAssumptions      func(context.Context, AnswerContext) (AssumptionSet, error)
	ResearchSupporting      func(context.Context, AnswerContext) (ResearchBrief, error)
	ResearchCounterEvidence func(context.Context, AnswerContext) (ResearchBrief, error)
	RunPremortem            func(context.Context, AnswerContext) (PremortemReport, error)
	FindInformationGaps     func(context.Context, AnswerContext) (GapReport, error)

	DetectBias      func(context.Context, ChallengeContext) (BiasReport, error)
	Critique        func(context.Context, ChallengeContext) (CritiqueReport, error)
	ChallengeAnswer func(context.Context, ChallengeContext) (ChallengeReport, error)
	ReviewPremortem func(context.Context, ChallengeContext) (PremortemReport, error)

	ReconstructArgument       func(context.Context, StructuringContext) (BalancedBrief, error)
	IntegrateCounterArguments func(context.Context, StructuringContext) (IntegratedBrief, error)
	AssessImpact              func(context.Context, StructuringContext) (ImpactAssessment, error)
	ScoreQuality              func(context.Context, StructuringContext) (QualityReport, error)
	ScoreConfidence           func(context.Context, StructuringContext) (ConfidenceAssessment, error)
	AnalyzeSensitivity        func(context.Context, StructuringContext) (SensitivityReport, error)

	SynthesizePerspective func(context.Context, PerspectiveInput) (Perspective, error)
	MetaSynthesize        func(context.Context, MetaSynthesisInput) (SynthesisRecord, error)
	VerifyFacts           func(context.Context, VerificationInput) (VerificationReport, error)
	PreserveNuance        func(context.Context, NuanceInput) (NuanceReport, error)
	CritiqueSynthesis     func(context.Context, SynthesisReviewInput) (SynthesisCritique, error)

	RequestReview func(context.Context, ReviewRequest) (ReviewResult, error)
}

// NewRegistry wires every agent to the reasoning-service client.
func NewRegistry(c *Client) *Registry {
	return &Registry{
		RefineQuery: func(ctx context.Context, in QueryInput) (RefinedQuery, error) {
			return invoke[QueryInput, RefinedQuery](ctx, c, NameQueryRefiner, in)
		},
		GenerateInitialAnswer: func(ctx context.Context, in QueryInput) (InitialAnswer, error) {
			return invoke[QueryInput, InitialAnswer](ctx, c, NameInitialAnswer, in)
		},
		Route: func(ctx context.Context, in AnswerContext) (Routing, error) {
			return invoke[AnswerContext, Routing](ctx, c, NameRouter, in)
		},
		AnalyzeAssumptions: func(ctx context.Context, in AnswerContext) (AssumptionSet, error) {
			return invoke[AnswerContext, AssumptionSet](ctx, c, NameAssumptionAnalyst, in)
		},
		ResearchSupporting: func(ctx context.Context, in AnswerContext) (ResearchBrief, error) {
			return invoke[AnswerContext, ResearchBrief](ctx, c, NameSupportingResearch, in)
		},
		ResearchCounterEvidence: func(ctx context.Context, in AnswerContext) (ResearchBrief, error) {
			return invoke[AnswerContext, ResearchBrief](ctx, c, NameCounterEvidence, in)
		},
		RunPremortem: func(ctx context.Context, in AnswerContext) (PremortemReport, error) {
			return invoke[AnswerContext, PremortemReport](ctx, c, NamePremortemAnalyst, in)
		},
		FindInformationGaps: func(ctx context.Context, in AnswerContext) (GapReport, error) {
			return invoke[AnswerContext, GapReport](ctx, c, NameInfoGapAnalyst, in)
		},
		DetectBias: func(ctx context.Context, in ChallengeContext) (BiasReport, error) {
			return invoke[ChallengeContext, BiasReport](ctx, c, NameBiasDetector, in)
		},
		Critique: func(ctx context.Context, in ChallengeContext) (CritiqueReport, error) {
			return invoke[ChallengeContext, CritiqueReport](ctx, c, NameCritic, in)
		},
		ChallengeAnswer: func(ctx context.Context, in ChallengeContext) (ChallengeReport, error) {
			return invoke[ChallengeContext, ChallengeReport](ctx, c, NameDevilsAdvocate, in)
		},
		ReviewPremortem: func(ctx context.Context, in ChallengeContext) (PremortemReport, error) {
			return invoke[ChallengeContext, PremortemReport](ctx, c, NamePremortemReviewer, in)
		},
		ReconstructArgument: func(ctx context.Context, in StructuringContext) (BalancedBrief, error) {
			return invoke[StructuringContext, BalancedBrief](ctx, c, NameArgumentBuilder, in)
		},
		IntegrateCounterArguments: func(ctx context.Context, in StructuringContext) (IntegratedBrief, error) {
			return invoke[StructuringContext, IntegratedBrief](ctx, c, NameCounterIntegrator, in)
		},
		AssessImpact: func(ctx context.Context, in StructuringContext) (ImpactAssessment, error) {
			return invoke[StructuringContext, ImpactAssessment](ctx, c, NameImpactAssessor, in)
		},
		ScoreQuality: func(ctx context.Context, in StructuringContext) (QualityReport, error) {
			return invoke[StructuringContext, QualityReport](ctx, c, NameQualityScorer, in)
		},
		ScoreConfidence: func(ctx context.Context, in StructuringContext) (ConfidenceAssessment, error) {
			return invoke[StructuringContext, ConfidenceAssessment](ctx, c, NameConfidenceScorer, in)
		},
		AnalyzeSensitivity: func(ctx context.Context, in StructuringContext) (SensitivityReport, error) {
			return invoke[StructuringContext, SensitivityReport](ctx, c, NameSensitivityAnalyst, in)
		},
		SynthesizePerspective: func(ctx context.Context, in PerspectiveInput) (Perspective, error) {
			return invoke[PerspectiveInput, Perspective](ctx, c, PerspectiveName(in.Lens), in)
		},
		MetaSynthesize: func(ctx context.Context, in MetaSynthesisInput) (SynthesisRecord, error) {
			return invoke[MetaSynthesisInput, SynthesisRecord](ctx, c, NameMetaSynthesizer, in)
		},
		VerifyFacts: func(ctx context.Context, in VerificationInput) (VerificationReport, error) {
			return invoke[VerificationInput, VerificationReport](ctx, c, NameFactVerifier, in)
		},
		PreserveNuance: func(ctx context.Context, in NuanceInput) (NuanceReport, error) {
			return invoke[NuanceInput, NuanceReport](ctx, c, NameNuancePreserver, in)
		},
		CritiqueSynthesis: func(ctx context.Context, in SynthesisReviewInput) (SynthesisCritique, error) {
			return invoke[SynthesisReviewInput, SynthesisCritique](ctx, c, NameSynthesisCritic, in)
		},
		RequestReview: func(ctx context.Context, in ReviewRequest) (ReviewResult, error) {
			return invoke[ReviewRequest, ReviewResult](ctx, c, NameHumanReviewer, in)
		},
	}
}
