package internal_asr_google

import (
	"context"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	internal_asr "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/asr"
	internal_audio "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/audio"
	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"google.golang.org/api/option"
)

// Provider opens Google Cloud Speech streaming-recognize sessions. One shared
// gRPC client serves all sessions; each Open is an independent stream.
type Provider struct {
	logger commons.Logger
	client *speech.Client
}

// NewProvider dials the Speech API with the configured service-account file.
// projectID, when set, is billed as the quota project for all streams.
func NewProvider(ctx context.Context, logger commons.Logger, credentialsPath, projectID string) (*Provider, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	if projectID != "" {
		opts = append(opts, option.WithQuotaProject(projectID))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, internal_type.WrapFailure(internal_type.CodeProviderAuth, err,
			"failed to create speech client")
	}
	return &Provider{logger: logger, client: client}, nil
}

// Open starts one streaming-recognize call and commits the configuration
// frame so the returned stream is immediately ready for audio.
func (p *Provider) Open(ctx context.Context, cfg internal_asr.StreamConfig) (internal_asr.Stream, error) {
	call, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:              speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:       internal_audio.SampleRate,
					AudioChannelCount:     1,
					LanguageCode:          cfg.LanguageCode,
					Model:                 cfg.Model,
					EnableWordTimeOffsets: true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}
	if err := call.Send(req); err != nil {
		return nil, err
	}
	return &googleStream{call: call}, nil
}

// Close releases the shared gRPC client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// googleStream adapts one StreamingRecognize call. The send side serializes
// writes; the receive side maps responses to the provider-neutral shape.
type googleStream struct {
	call   speechpb.Speech_StreamingRecognizeClient
	sendMu sync.Mutex
}

func (s *googleStream) Send(audio []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) Recv() (*internal_asr.Response, error) {
	resp, err := s.call.Recv()
	if err != nil {
		return nil, err
	}
	if resp.GetError() != nil {
		return nil, internal_type.NewFailure(internal_type.CodeProviderUnavailable,
			"recognition error: %s", resp.GetError().GetMessage())
	}

	out := &internal_asr.Response{}
	for _, res := range resp.GetResults() {
		if len(res.GetAlternatives()) == 0 {
			continue
		}
		alt := res.GetAlternatives()[0]

		var words []internal_type.WordTiming
		for _, w := range alt.GetWords() {
			words = append(words, internal_type.WordTiming{
				Word:  w.GetWord(),
				Start: w.GetStartTime().AsDuration(),
				End:   w.GetEndTime().AsDuration(),
			})
		}

		out.Results = append(out.Results, internal_asr.Result{
			Text:       alt.GetTranscript(),
			IsFinal:    res.GetIsFinal(),
			Confidence: float64(alt.GetConfidence()),
			EndOffset:  res.GetResultEndTime().AsDuration(),
			Words:      words,
		})
	}
	return out, nil
}

func (s *googleStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.call.CloseSend()
}
