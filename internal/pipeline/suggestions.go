package pipeline

import (
	"strings"

	"github.com/waterlab/envchat/internal/intent"
	"github.com/waterlab/envchat/internal/retrieval"
	"github.com/waterlab/envchat/internal/storage"
)

const maxSuggestions = 3

// dataTypeNames maps observation data types to their Korean display names.
var dataTypeNames = map[string]string{
	storage.DataWaterQuality: "수질",
	storage.DataAlgae:        "녹조",
	storage.DataHydrology:    "수문",
	storage.DataWeather:      "기상",
}

// relatedDataTypes pairs each data type with the one most often asked about
// next. Water quality and algae move together; hydrology and weather do.
var relatedDataTypes = map[string]string{
	storage.DataWaterQuality: storage.DataAlgae,
	storage.DataAlgae:        storage.DataWaterQuality,
	storage.DataHydrology:    storage.DataWeather,
	storage.DataWeather:      storage.DataHydrology,
}

func dataTypeName(dataType string) string {
	if name, ok := dataTypeNames[dataType]; ok {
		return name
	}
	return "측정"
}

// suggest derives follow-up questions from the interpreted intent and the
// retrieved context. At most maxSuggestions are returned, most specific first.
func suggest(it intent.Intent, docs []retrieval.ScoredDocument, obs []storage.Observation) []string {
	var out []string
	add := func(s string) {
		if len(out) < maxSuggestions {
			out = append(out, s)
		}
	}

	if it.DataType != "" {
		if related, ok := relatedDataTypes[it.DataType]; ok {
			if loc := it.Location; loc != "" {
				add(loc + " " + dataTypeNames[related] + " 현황도 알려줘")
			} else {
				add(dataTypeNames[related] + " 현황도 알려줘")
			}
		}
	}

	// Documents mentioning a data type the user did not ask about hint at
	// adjacent topics worth exploring.
	if other := unaskedDocTopic(it.DataType, docs); other != "" {
		add(dataTypeNames[other] + " 관련 기준에 대해 알려줘")
	}

	if it.Measurement && it.Location == "" {
		add("특정 지역을 지정해서 질문해 보세요 (예: 한강, 팔당호)")
	}
	if it.Measurement && !it.HasDateRange() {
		add("기간을 지정해서 질문해 보세요 (예: 2024년 3월, 최근 7일)")
	}
	if len(obs) > 0 && it.DataType != "" {
		add(dataTypeName(it.DataType) + " 기준치 초과 여부를 알려줘")
	}

	if len(out) == 0 {
		add("수질, 녹조, 수문, 기상 데이터에 대해 질문할 수 있어요")
	}
	return out
}

// docTopicOrder fixes the scan order so suggestions are deterministic.
var docTopicOrder = []string{
	storage.DataWaterQuality,
	storage.DataAlgae,
	storage.DataHydrology,
	storage.DataWeather,
}

// unaskedDocTopic returns the first data type mentioned in the retrieved
// documents that differs from the one the user asked about.
func unaskedDocTopic(asked string, docs []retrieval.ScoredDocument) string {
	for _, doc := range docs {
		text := doc.Title + " " + doc.Content
		for _, dataType := range docTopicOrder {
			if dataType != asked && strings.Contains(text, dataTypeNames[dataType]) {
				return dataType
			}
		}
	}
	return ""
}
