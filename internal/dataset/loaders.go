package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

type hotpotRow struct {
	UnderscoreID string `json:"_id"`
	ID           string `json:"id"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	Supporting   struct {
		Title []string `json:"title"`
	} `json:"supporting_facts"`
	Context struct {
		Title     []string   `json:"title"`
		Sentences [][]string `json:"sentences"`
	} `json:"context"`
}

// loadHotpotQA builds one document per context paragraph, keyed
// <sample>::<title>. A paragraph is supporting when its title is listed in
// supporting_facts.
func loadHotpotQA(rows []row, opts Options) (*Dataset, error) {
	ds := &Dataset{Corpus: newCorpus()}
	for _, r := range rows {
		var hr hotpotRow
		if err := decodeRow(r, &hr); err != nil {
			return nil, err
		}
		sampleID := hr.UnderscoreID
		if sampleID == "" {
			sampleID = hr.ID
		}
		if sampleID == "" {
			sampleID = strconv.Itoa(r.index)
		}

		supportingTitles := make(map[string]bool, len(hr.Supporting.Title))
		for _, t := range hr.Supporting.Title {
			supportingTitles[t] = true
		}

		n := min(len(hr.Context.Title), len(hr.Context.Sentences), opts.MaxContexts)
		supporting := []string{}
		for i := 0; i < n; i++ {
			title := hr.Context.Title[i]
			doc := Document{
				DocID:        sampleID + "::" + title,
				Title:        title,
				Text:         strings.Join(hr.Context.Sentences[i], " "),
				IsSupporting: supportingTitles[title],
				SampleID:     sampleID,
			}
			if ds.Corpus.add(doc) && doc.IsSupporting {
				supporting = append(supporting, doc.DocID)
			}
		}

		ds.Examples = append(ds.Examples, QAExample{
			SampleID:         sampleID,
			Question:         hr.Question,
			Answer:           hr.Answer,
			SupportingDocIDs: supporting,
		})
	}
	return ds, nil
}

type squadRow struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Context  string `json:"context"`
	Question string `json:"question"`
	Answers  struct {
		Text []string `json:"text"`
	} `json:"answers"`
}

// loadSquadV2 builds a single supporting document per question. Unanswerable
// questions have an empty gold answer.
func loadSquadV2(rows []row, _ Options) (*Dataset, error) {
	ds := &Dataset{Corpus: newCorpus()}
	for _, r := range rows {
		var sr squadRow
		if err := decodeRow(r, &sr); err != nil {
			return nil, err
		}
		if sr.ID == "" {
			return nil, fmt.Errorf("row %d: missing id", r.index)
		}
		title := sr.Title
		if title == "" {
			title = "context"
		}
		docID := sr.ID + "::context"
		ds.Corpus.add(Document{
			DocID:        docID,
			Title:        title,
			Text:         sr.Context,
			IsSupporting: true,
			SampleID:     sr.ID,
		})

		answer := ""
		if len(sr.Answers.Text) > 0 {
			answer = sr.Answers.Text[0]
		}
		ds.Examples = append(ds.Examples, QAExample{
			SampleID:         sr.ID,
			Question:         sr.Question,
			Answer:           answer,
			SupportingDocIDs: []string{docID},
		})
	}
	return ds, nil
}

type boolqRow struct {
	Question string `json:"question"`
	Passage  string `json:"passage"`
	Answer   bool   `json:"answer"`
}

// loadBoolQ names samples after their row index in the file.
func loadBoolQ(rows []row, _ Options) (*Dataset, error) {
	ds := &Dataset{Corpus: newCorpus()}
	for _, r := range rows {
		var br boolqRow
		if err := decodeRow(r, &br); err != nil {
			return nil, err
		}
		sampleID := fmt.Sprintf("boolq-%d", r.index)
		docID := sampleID + "::passage"
		ds.Corpus.add(Document{
			DocID:        docID,
			Title:        "passage",
			Text:         br.Passage,
			IsSupporting: true,
			SampleID:     sampleID,
		})

		answer := "no"
		if br.Answer {
			answer = "yes"
		}
		ds.Examples = append(ds.Examples, QAExample{
			SampleID:         sampleID,
			Question:         br.Question,
			Answer:           answer,
			SupportingDocIDs: []string{docID},
		})
	}
	return ds, nil
}
